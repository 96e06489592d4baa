package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"conductor/internal/config"
	"conductor/internal/task"
)

// Outbound frame types.
const (
	typeStateFull   = "state:full"
	typeActivityLog = "activity:log"
	typeError       = "error"
)

// Inbound command types.
const (
	cmdCreateTask        = "command:createTask"
	cmdAddAgent          = "command:addAgent"
	cmdApproveTask       = "command:approveTask"
	cmdRejectTask        = "command:rejectTask"
	cmdToggleAutoApprove = "command:toggleAutoApprove"
)

// outboundBuffer is the per-connection frame queue; a full queue drops the
// frame for that peer only.
const outboundBuffer = 16

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: msgType, Payload: raw})
}

// conn is one websocket peer. All writes go through the outbound channel and
// a single writer goroutine; gorilla connections do not allow concurrent
// writers.
type conn struct {
	id       string
	ws       *websocket.Conn
	outbound chan []byte
	once     sync.Once
}

func (c *conn) send(frame []byte) {
	select {
	case c.outbound <- frame:
	default:
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.outbound)
	})
}

func (s *Server) handleWS(gc *gin.Context) {
	ws, err := s.upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws, outbound: make(chan []byte, outboundBuffer)}
	s.register(c)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for frame := range c.outbound {
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				break
			}
		}
		_ = ws.Close()
	}()

	// Greet the new peer with the current state.
	if frame, err := encodeFrame(typeStateFull, s.deps.Broadcaster.Compose()); err == nil {
		c.send(frame)
	}

	go s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		s.unregister(c)
		c.close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(c, fmt.Sprintf("malformed frame: %v", err))
			continue
		}
		if err := s.dispatch(c, env); err != nil {
			s.sendError(c, err.Error())
		}
	}
}

func (s *Server) sendError(c *conn, message string) {
	if frame, err := encodeFrame(typeError, gin.H{"message": message}); err == nil {
		c.send(frame)
	}
}

func (s *Server) dispatch(c *conn, env envelope) error {
	switch env.Type {
	case cmdCreateTask:
		return s.cmdCreateTask(env.Payload)
	case cmdAddAgent:
		return s.cmdAddAgent(env.Payload)
	case cmdApproveTask:
		return s.cmdApproveTask(env.Payload)
	case cmdRejectTask:
		return s.cmdRejectTask(env.Payload)
	case cmdToggleAutoApprove:
		s.deps.Tasks.SetAutoApprove(!s.deps.Tasks.AutoApprove())
		s.deps.Broadcaster.Trigger()
		return nil
	default:
		return fmt.Errorf("unknown command %q", env.Type)
	}
}

type createTaskPayload struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    task.Priority `json:"priority"`
	AgentID     string        `json:"agentId"`
	AgentIDs    []string      `json:"agentIds"`
}

// cmdCreateTask enqueues one task, or one per agent id when agentIds asks
// several agents the same question.
func (s *Server) cmdCreateTask(payload json.RawMessage) error {
	var req createTaskPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("createTask payload: %w", err)
	}

	preferred := req.AgentIDs
	if len(preferred) == 0 {
		preferred = []string{req.AgentID}
	}
	for _, agentID := range preferred {
		created, err := s.deps.Tasks.Create(task.CreateRequest{
			Title:            req.Title,
			Description:      req.Description,
			Priority:         req.Priority,
			PreferredAgentID: agentID,
		})
		if err != nil {
			return err
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.TasksCreated.Inc()
		}
		s.logger.Info("task %s created for %q", created.ID, created.PreferredAgentID)
	}
	return nil
}

// cmdAddAgent registers an agent at runtime; credential resolution happens
// immediately and shows in the next snapshot.
func (s *Server) cmdAddAgent(payload json.RawMessage) error {
	var cfg config.AgentConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return fmt.Errorf("addAgent payload: %w", err)
	}
	return s.deps.Registry.Add(cfg)
}

type taskRefPayload struct {
	TaskID string `json:"taskId"`
}

func (s *Server) cmdApproveTask(payload json.RawMessage) error {
	var ref taskRefPayload
	if err := json.Unmarshal(payload, &ref); err != nil {
		return fmt.Errorf("approveTask payload: %w", err)
	}
	return s.deps.Orchestrator.Approve(context.Background(), ref.TaskID)
}

func (s *Server) cmdRejectTask(payload json.RawMessage) error {
	var ref taskRefPayload
	if err := json.Unmarshal(payload, &ref); err != nil {
		return fmt.Errorf("rejectTask payload: %w", err)
	}
	return s.deps.Orchestrator.Reject(ref.TaskID)
}
