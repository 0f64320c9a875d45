package gateway

import (
	"encoding/json"
	"sort"

	"github.com/haasonsaas/switchboard/internal/protocol"
)

// handlerFunc is one routed method. It returns either a payload or a
// protocol error; the dispatcher writes exactly one response per request.
type handlerFunc func(c *conn, params json.RawMessage) (any, *protocol.Error)

// stubMethods is the documented-but-unimplemented protocol surface. Each
// returns a stub payload so clients can probe the full method registry.
var stubMethods = []string{
	"ping", "last-heartbeat", "set-heartbeats", "wake", "talk.mode",
	"tts.enable", "tts.disable", "tts.status", "tts.convert",
	"voicewake.get", "voicewake.set",
	"skills.bins", "skills.status", "skills.install", "skills.update",
	"queue",
	"cron.list", "cron.status", "cron.add", "cron.update", "cron.remove",
	"cron.run", "cron.runs",
	"node.list", "node.describe", "node.invoke", "node.pair.request",
	"node.pair.approve", "node.pair.reject", "node.pair.verify", "node.rename",
	"device.pair.list", "device.pair.approve", "device.pair.reject",
	"device.token.rotate", "device.token.revoke",
	"exec.approvals.get", "exec.approvals.set",
	"exec.approvals.node.get", "exec.approvals.node.set",
	"sessions.preview", "sessions.compact",
	"update.run",
	"wizard.start", "wizard.next", "wizard.cancel", "wizard.status",
	"browser.request", "browser.proxy",
}

// knownEvents is advertised in features.events.
var knownEvents = []string{
	"hello", "connect.challenge", "presence", "tick", "health", "agent",
	"chat", "shutdown", "heartbeat", "device.pair", "node.pair",
	"node.invoke.request", "talk.mode", "cron", "exec.approvals.updated",
}

type router struct {
	handlers map[string]handlerFunc
	methods  []string
}

func newRouter(s *Server) *router {
	r := &router{handlers: make(map[string]handlerFunc)}

	r.register("connect", func(c *conn, _ json.RawMessage) (any, *protocol.Error) {
		return nil, protocol.InvalidRequest("already connected")
	})
	r.register("chat.send", s.handleChatSend)
	r.register("chat.abort", s.handleChatAbort)
	r.register("chat.history", s.handleChatHistory)
	r.register("chat.inject", s.handleChatInject)
	r.register("chat.subscribe", s.handleChatSubscribe)
	r.register("agent", s.handleAgent)
	r.register("agent.wait", s.handleAgentWait)
	r.register("sessions.list", s.handleSessionsList)
	r.register("sessions.patch", s.handleSessionsPatch)
	r.register("sessions.reset", s.handleSessionsReset)
	r.register("sessions.delete", s.handleSessionsDelete)
	r.register("send", s.handleSend)
	r.register("health", s.handleHealth)
	r.register("status", s.handleStatus)
	r.register("system-presence", s.handleSystemPresence)
	r.register("logs.tail", s.handleLogsTail)
	r.register("models.list", s.handleModelsList)
	r.register("config.get", s.handleConfigGet)

	for _, name := range stubMethods {
		name := name
		r.register(name, func(c *conn, _ json.RawMessage) (any, *protocol.Error) {
			return map[string]any{"stub": true, "todo": name}, nil
		})
	}

	sort.Strings(r.methods)
	return r
}

func (r *router) register(name string, h handlerFunc) {
	r.handlers[name] = h
	r.methods = append(r.methods, name)
}

// dispatch routes one authenticated request and writes its single response.
func (s *Server) dispatch(c *conn, frame *protocol.Frame) {
	h, ok := s.router.handlers[frame.Method]
	if !ok {
		c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest("unknown method "+frame.Method)))
		if s.metrics != nil {
			s.metrics.MethodRequests.WithLabelValues(frame.Method, "error").Inc()
		}
		return
	}

	payload, perr := h(c, frame.Params)
	status := "ok"
	if perr != nil {
		status = "error"
		c.sendFrame(protocol.ErrorResponse(frame.ID, perr))
	} else {
		c.sendFrame(protocol.Response(frame.ID, payload))
	}
	if s.metrics != nil {
		s.metrics.MethodRequests.WithLabelValues(frame.Method, status).Inc()
	}
}
