package runtime

import (
	"context"
	"encoding/json"

	"github.com/MrWong99/toolrun/internal/analytics"
	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// InvokeNamed builds the tool registered as name from params and invokes it.
//
// A factory failure for a registered tool, such as a parameter decoding
// error, is reported and recorded like a validation failure. An unknown name
// yields a NOT_FOUND response and records nothing, so arbitrary names cannot
// create analytics entries.
func (rt *Runtime) InvokeNamed(ctx context.Context, reg *tool.Registry, name string, params json.RawMessage, opts ...InvokeOption) Response {
	spec, registered := reg.Lookup(name)
	t, err := reg.Build(name, params)
	if err == nil {
		return rt.Invoke(ctx, t, opts...)
	}

	te := toolerr.Classify(name, err).WithRequestID(rt.newID())
	if !registered {
		r := te.ToResponse()
		return Response{Success: false, Error: &r}
	}

	inv := invocation{
		requestID: te.RequestID,
		tool:      name,
		category:  spec.Category,
		subject:   DefaultSubject,
		start:     rt.now(),
	}
	var o invokeOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.subject != "" {
		inv.subject = o.subject
	}
	inv.log = loggerFor(ctx, inv)
	return rt.finish(ctx, inv, outcome{err: te, eventType: analytics.EventError})
}
