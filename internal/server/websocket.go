package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the server is meant to sit behind an authenticating proxy
	},
}

// wsIncoming is a message from the client: "message" starts an ask,
// "cancel" stops the running one.
type wsIncoming struct {
	Type string `json:"type"`
	messageRequest
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string     `json:"type"`
	Content string     `json:"content,omitempty"`
	ID      string     `json:"id,omitempty"`
	Name    string     `json:"name,omitempty"`
	Args    any        `json:"args,omitempty"`
	IsError bool       `json:"is_error,omitempty"`
	Usage   *llm.Usage `json:"usage,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	s    *Server
}

func (c *wsConn) send(v wsOutgoing) {
	data, err := json.Marshal(v)
	if err != nil {
		c.s.log.Error("websocket marshal", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.s.log.Debug("websocket write", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	wc := &wsConn{conn: conn, s: s}

	as, err := s.sessions.GetOrCreate(r.Context(), conv)
	if err != nil {
		wc.send(wsOutgoing{Type: "error", Content: "initializing session: " + err.Error()})
		return
	}

	// Asks outlive a single read but not the connection.
	connCtx, closeConn := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		closeConn()
		wg.Wait()
	}()

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read", "error", err)
			}
			return
		}

		switch msg.Type {
		case "cancel":
			as.Cancel()
		case "message":
			input, err := msg.contents()
			if err != nil {
				wc.send(wsOutgoing{Type: "error", Content: err.Error()})
				continue
			}
			ctx, cancel := context.WithCancel(connCtx)
			if !as.begin(cancel) {
				cancel()
				wc.send(wsOutgoing{Type: "error", Content: session.ErrBusy.Error()})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer as.end()
				defer cancel()
				s.streamAsk(ctx, wc, as, msg.Content, input)
			}()
		default:
			wc.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

// streamAsk runs one ask and relays its progress: text_delta for streamed
// text, tool_call and tool_result as tool rounds complete, then done or
// error.
func (s *Server) streamAsk(ctx context.Context, wc *wsConn, as *ActiveSession, content string, input []llm.Content) {
	s.startAsk(ctx, as, content)

	names := map[string]string{}
	var final llm.Turn
	var askErr error
	for d, err := range as.Session.Stream(ctx, input...) {
		if err != nil {
			askErr = err
			break
		}
		switch d.Kind {
		case llm.DeltaText:
			wc.send(wsOutgoing{Type: "text_delta", Content: d.Text})
		case llm.DeltaEnd:
			if d.Turn == nil {
				continue
			}
			switch d.Turn.Role {
			case llm.RoleAssistant:
				final = *d.Turn
				for _, req := range d.Turn.ToolRequests() {
					names[req.ID] = req.Name
					wc.send(wsOutgoing{Type: "tool_call", ID: req.ID, Name: req.Name, Args: req.Arguments})
				}
			case llm.RoleTool:
				for _, res := range d.Turn.ToolResults() {
					wc.send(wsOutgoing{
						Type:    "tool_result",
						ID:      res.RequestID,
						Name:    names[res.RequestID],
						Content: res.Text(),
						IsError: res.IsError(),
					})
				}
			}
		}
	}

	if err := s.finishAsk(context.WithoutCancel(ctx), as, askErr); err != nil {
		wc.send(wsOutgoing{Type: "error", Content: err.Error()})
		return
	}
	if askErr != nil {
		msg := askErr.Error()
		if ctx.Err() != nil {
			msg = "interrupted"
		}
		wc.send(wsOutgoing{Type: "error", Content: msg})
		return
	}
	usage := as.Session.TotalUsage()
	wc.send(wsOutgoing{Type: "done", Content: final.Text(), Usage: &usage})
}
