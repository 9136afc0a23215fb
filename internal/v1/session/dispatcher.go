package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/protocol"
)

// MethodHandler serves one client request. The returned value is marshalled
// into the response payload; a returned error becomes an error response.
type MethodHandler func(ctx context.Context, c *Conn, params json.RawMessage) (any, error)

// Middleware wraps a MethodHandler. Middleware registered first runs
// outermost.
type Middleware func(next MethodHandler) MethodHandler

// TopicHandler consumes one client event on a matching topic binding.
// Captures come from the binding's pattern in left-to-right wildcard order
// and are empty for exact bindings.
type TopicHandler func(ctx context.Context, c *Conn, captures []string, msg *protocol.Message)

// HandlerError lets a method handler pick the error code of its response.
// Any other returned error is reported under the generic handler code.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return e.Message
}

type topicBinding struct {
	pattern string
	handler TopicHandler
}

// Dispatcher routes requests to method handlers and client events to topic
// bindings. Methods are exact names; topic bindings are patterns evaluated
// in registration order, every match runs.
type Dispatcher struct {
	mu         sync.RWMutex
	methods    map[string]MethodHandler
	topics     []topicBinding
	middleware []Middleware
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]MethodHandler)}
}

func (d *Dispatcher) registerMethod(name string, h MethodHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = h
}

func (d *Dispatcher) registerTopic(pattern string, h TopicHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topics = append(d.topics, topicBinding{pattern: pattern, handler: h})
}

func (d *Dispatcher) use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw)
}

// dispatchRequest runs the handler chain for a request and always produces
// a response: unknown methods, returned errors, and handler panics all
// surface as error responses correlated to the request.
func (d *Dispatcher) dispatchRequest(ctx context.Context, c *Conn, req *protocol.Message) (resp *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Method handler panicked",
				zap.String("method", req.Method), zap.Any("panic", r))
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeHandlerError, "Internal handler error")
		}
	}()

	d.mu.RLock()
	h, ok := d.methods[req.Method]
	mws := d.middleware
	d.mu.RUnlock()

	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.CodeHandlerError, "Unknown method: "+req.Method)
	}
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	result, err := h(ctx, c, req.Payload)
	if err != nil {
		var herr *HandlerError
		if errors.As(err, &herr) {
			return protocol.NewErrorResponse(req.ID, herr.Code, herr.Message)
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeHandlerError, err.Error())
	}

	payload, err := protocol.MarshalPayload(result)
	if err != nil {
		logging.Error(ctx, "Response payload not serializable",
			zap.String("method", req.Method), zap.Error(err))
		return protocol.NewErrorResponse(req.ID, protocol.CodeHandlerError, "Internal handler error")
	}
	return protocol.NewResponse(req.ID, payload)
}

// dispatchEvent runs every topic binding whose pattern matches the event's
// topic, in registration order. Handler panics are contained per binding so
// one bad handler cannot starve the rest.
func (d *Dispatcher) dispatchEvent(ctx context.Context, c *Conn, msg *protocol.Message) {
	d.mu.RLock()
	bindings := make([]topicBinding, len(d.topics))
	copy(bindings, d.topics)
	d.mu.RUnlock()

	for _, b := range bindings {
		ok, captures := protocol.Match(msg.Topic, b.pattern)
		if !ok {
			continue
		}
		d.runTopicHandler(ctx, c, b, captures, msg)
	}
}

func (d *Dispatcher) runTopicHandler(ctx context.Context, c *Conn, b topicBinding, captures []string, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Topic handler panicked",
				zap.String("topic", msg.Topic), zap.String("pattern", b.pattern), zap.Any("panic", r))
		}
	}()
	b.handler(ctx, c, captures, msg)
}
