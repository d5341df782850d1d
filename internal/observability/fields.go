package observability

import "context"

// Fields are attached to every log line written with the carrying context.
type Fields struct {
	Tenant       string
	Function     string
	Deployment   string
	Stage        string
	InvocationID string
}

const fieldsKey contextKey = "log_fields"

func FieldsFromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey).(Fields)
	return f
}

// WithFields merges the non-empty values of f over the fields already in ctx.
func WithFields(ctx context.Context, f Fields) context.Context {
	curr := FieldsFromContext(ctx)
	if f.Tenant != "" {
		curr.Tenant = f.Tenant
	}
	if f.Function != "" {
		curr.Function = f.Function
	}
	if f.Deployment != "" {
		curr.Deployment = f.Deployment
	}
	if f.Stage != "" {
		curr.Stage = f.Stage
	}
	if f.InvocationID != "" {
		curr.InvocationID = f.InvocationID
	}
	return context.WithValue(ctx, fieldsKey, curr)
}
