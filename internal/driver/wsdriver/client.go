// Package wsdriver implements the driver contract over a WebSocket
// connection to a game gateway. The gateway owns the actual game protocol
// (and pathfinding); this client only speaks the op/response framing and
// relays the event stream.
package wsdriver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/protocol"
)

const (
	writeTimeout      = 10 * time.Second
	pongWait          = 70 * time.Second
	pingInterval      = 30 * time.Second
	maxReconnectDelay = 5 * time.Minute
)

// Client is a gateway-backed driver. One connection multiplexes every
// agent; Run must be started before primitives are called.
type Client struct {
	gatewayURL string
	authToken  string
	logger     *zap.Logger
	hub        *driver.Hub

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan frame
	agents    map[string]bool // agentID → connected at the gateway
}

var _ driver.Driver = (*Client)(nil)

// New creates a gateway driver client.
func New(gatewayURL, authToken string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		gatewayURL: gatewayURL,
		authToken:  authToken,
		logger:     logger,
		hub:        driver.NewHub(logger),
		pending:    make(map[string]chan frame),
		agents:     make(map[string]bool),
	}
}

// Run connects and maintains the gateway connection until ctx is cancelled.
// Reconnects automatically with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wasConnected, err := c.connectAndServe(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if wasConnected {
			delay = time.Second
		}

		c.logger.Warn("gateway connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	header := map[string][]string{}
	if c.authToken != "" {
		header["Authorization"] = []string{"Bearer " + c.authToken}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.gatewayURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		// In-flight calls fail fast rather than waiting out their timeout.
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
	}()

	c.logger.Info("connected to game gateway", zap.String("url", c.gatewayURL))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn("invalid gateway frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case frameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
				close(ch)
			}
		case frameEvent:
			if f.Event != nil {
				c.hub.Publish(*f.Event)
			}
		default:
			c.logger.Warn("unexpected frame type", zap.String("type", string(f.Type)))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("gateway ping failed", zap.Error(err))
				return
			}
		}
	}
}

// jitter adds 0-50% random jitter to a duration to prevent thundering herd.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// call sends one request frame and awaits the matching response, bounded by
// ctx and the driver default timeout.
func (c *Client) call(ctx context.Context, agentID, op string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	f := frame{
		ID:        uuid.New().String(),
		Type:      frameRequest,
		AgentID:   agentID,
		Op:        op,
		Params:    raw,
		Timestamp: time.Now().UTC(),
	}

	ch := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: gateway offline", driver.ErrNotConnected)
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", op, err)
	}

	timer := time.NewTimer(driver.DefaultTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.abandon(f.ID)
		return nil, ctx.Err()
	case <-timer.C:
		c.abandon(f.ID)
		return nil, fmt.Errorf("%w: %s", driver.ErrTimeout, op)
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection dropped during %s", driver.ErrNotConnected, op)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("gateway %s: %s", op, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// --- driver primitives ---

func (c *Client) Connect(ctx context.Context, agentID string, creds driver.Credentials) error {
	_, err := c.call(ctx, agentID, opConnect, creds)
	if err == nil {
		c.mu.Lock()
		c.agents[agentID] = true
		c.mu.Unlock()
	}
	return err
}

func (c *Client) Disconnect(ctx context.Context, agentID, reason string) error {
	_, err := c.call(ctx, agentID, opDisconnect, map[string]any{"reason": reason})
	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()
	return err
}

func (c *Client) Connected(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.agents[agentID]
}

func (c *Client) MoveTo(ctx context.Context, agentID string, target protocol.Position) error {
	_, err := c.call(ctx, agentID, opMoveTo, map[string]any{"target": target})
	return err
}

func (c *Client) NavigateWaypoints(ctx context.Context, agentID string, waypoints []protocol.Position) error {
	_, err := c.call(ctx, agentID, opNavigate, map[string]any{"waypoints": waypoints})
	return err
}

func (c *Client) FollowEntity(ctx context.Context, agentID, entityName string) error {
	_, err := c.call(ctx, agentID, opFollow, map[string]any{"entity": entityName})
	return err
}

func (c *Client) Look(ctx context.Context, agentID string, yaw, pitch float64) error {
	_, err := c.call(ctx, agentID, opLook, map[string]any{"yaw": yaw, "pitch": pitch})
	return err
}

func (c *Client) StopMoving(ctx context.Context, agentID string) error {
	_, err := c.call(ctx, agentID, opStop, nil)
	return err
}

func (c *Client) Dig(ctx context.Context, agentID string, target protocol.Position) error {
	_, err := c.call(ctx, agentID, opDig, map[string]any{"target": target})
	return err
}

func (c *Client) PlaceBlock(ctx context.Context, agentID string, against protocol.Position, blockType, face string) error {
	_, err := c.call(ctx, agentID, opPlaceBlock, map[string]any{
		"against":   against,
		"blockType": blockType,
		"face":      face,
	})
	return err
}

func (c *Client) ActivateBlock(ctx context.Context, agentID string, target protocol.Position) error {
	_, err := c.call(ctx, agentID, opActivateBlock, map[string]any{"target": target})
	return err
}

func (c *Client) ActivateItem(ctx context.Context, agentID, itemName string, target *protocol.Position) error {
	params := map[string]any{"itemName": itemName}
	if target != nil {
		params["target"] = *target
	}
	_, err := c.call(ctx, agentID, opActivateItem, params)
	return err
}

func (c *Client) Equip(ctx context.Context, agentID, itemName string, slot int) error {
	_, err := c.call(ctx, agentID, opEquip, map[string]any{"itemName": itemName, "slot": slot})
	return err
}

func (c *Client) Drop(ctx context.Context, agentID string, slot, count int) error {
	_, err := c.call(ctx, agentID, opDrop, map[string]any{"slot": slot, "count": count})
	return err
}

func (c *Client) Inventory(ctx context.Context, agentID string) ([]protocol.InventoryItem, error) {
	raw, err := c.call(ctx, agentID, opInventory, nil)
	if err != nil {
		return nil, err
	}
	var items []protocol.InventoryItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	return items, nil
}

func (c *Client) Chat(ctx context.Context, agentID, message string) error {
	_, err := c.call(ctx, agentID, opChat, map[string]any{"message": message})
	return err
}

func (c *Client) SelfState(ctx context.Context, agentID string) (protocol.SelfState, error) {
	raw, err := c.call(ctx, agentID, opSelfState, nil)
	if err != nil {
		return protocol.SelfState{}, err
	}
	var state protocol.SelfState
	if err := json.Unmarshal(raw, &state); err != nil {
		return protocol.SelfState{}, fmt.Errorf("decode self state: %w", err)
	}
	return state, nil
}

func (c *Client) BlockAt(ctx context.Context, agentID string, pos protocol.Position) (protocol.Block, error) {
	raw, err := c.call(ctx, agentID, opBlockAt, map[string]any{"position": pos})
	if err != nil {
		return protocol.Block{}, err
	}
	var block protocol.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return protocol.Block{}, fmt.Errorf("decode block: %w", err)
	}
	return block, nil
}

func (c *Client) ScanBlocks(ctx context.Context, agentID string, radius int) ([]protocol.Block, error) {
	raw, err := c.call(ctx, agentID, opScanBlocks, map[string]any{"radius": radius})
	if err != nil {
		return nil, err
	}
	var blocks []protocol.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return blocks, nil
}

func (c *Client) NearbyEntities(ctx context.Context, agentID string, radius float64) ([]protocol.Entity, error) {
	raw, err := c.call(ctx, agentID, opNearbyEntities, map[string]any{"radius": radius})
	if err != nil {
		return nil, err
	}
	var entities []protocol.Entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return entities, nil
}

// NearestEntity filters client-side over NearbyEntities: the gateway has no
// filter op and the entity lists are small.
func (c *Client) NearestEntity(ctx context.Context, agentID string, filter driver.EntityFilter) (protocol.Entity, bool, error) {
	entities, err := c.NearbyEntities(ctx, agentID, 0) // 0 = gateway default radius
	if err != nil {
		return protocol.Entity{}, false, err
	}
	for _, e := range entities {
		if filter == nil || filter(e) {
			return e, true, nil
		}
	}
	return protocol.Entity{}, false, nil
}

func (c *Client) Biome(ctx context.Context, agentID string) (driver.BiomeInfo, error) {
	raw, err := c.call(ctx, agentID, opBiome, nil)
	if err != nil {
		return driver.BiomeInfo{}, err
	}
	var info driver.BiomeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return driver.BiomeInfo{}, fmt.Errorf("decode biome: %w", err)
	}
	return info, nil
}

func (c *Client) Events() *driver.Hub { return c.hub }
