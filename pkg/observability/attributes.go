package observability

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var (
	AttrOperation   = attribute.Key("gateway.operation")
	AttrExecutionID = attribute.Key("gateway.execution.id")
	AttrActionID    = attribute.Key("gateway.action.id")
	AttrActionType  = attribute.Key("gateway.action.type")
	AttrOutcome     = attribute.Key("gateway.outcome")
	AttrErrorClass  = attribute.Key("gateway.error.class")
	AttrErrorCode   = attribute.Key("gateway.error.code")
)

// ErrorAttrs labels err with its class and code. Unclassified errors count
// as hard stops.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	code := string(gatewayerr.CodeOf(err))
	if code == "" {
		code = "unclassified"
	}
	return []attribute.KeyValue{
		AttrErrorClass.String(string(gatewayerr.ClassOf(err))),
		AttrErrorCode.String(code),
	}
}
