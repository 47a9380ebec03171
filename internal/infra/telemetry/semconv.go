package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to tradegate metrics.
const (
	// AttrEnvironment specifies the deployment environment (development/staging/production).
	AttrEnvironment = attribute.Key("environment")
	// AttrSymbol captures the traded instrument (e.g. AAPL, THYAO.IS).
	AttrSymbol = attribute.Key("symbol")
	// AttrCurrency stores the settlement currency of the account touched.
	AttrCurrency = attribute.Key("currency")
	// AttrOrderSide labels order telemetry with buy/sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes market, limit and stop orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderState captures the lifecycle state reached.
	AttrOrderState = attribute.Key("order.state")
	// AttrEventType annotates bus metrics with the published event kind.
	AttrEventType = attribute.Key("event.type")
	// AttrSource identifies the quote adapter (synthetic, stream, static).
	AttrSource = attribute.Key("source")
	// AttrSink identifies a notification sink.
	AttrSink = attribute.Key("sink")
	// AttrOperation names the operation measured (save, load, publish, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason carries the governor rule that produced a rejection.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels stream connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
	ResultDropped  = "dropped"
)

// Governor rejection reasons used as metric labels.
const (
	ReasonCooldown   = "cooldown"
	ReasonHysteresis = "hysteresis"
	ReasonCluster    = "cluster"
	ReasonBudget     = "risk_budget"
	ReasonHold       = "hold"
	ReasonInvalid    = "invalid"
)

// OrderAttributes returns attributes for order-related metrics.
func OrderAttributes(environment, symbol, side, orderType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment)}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// BalanceAttributes returns attributes for cash and commission telemetry.
func BalanceAttributes(environment, currency string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment)}
	if currency != "" {
		attrs = append(attrs, AttrCurrency.String(currency))
	}
	return attrs
}

// DecisionAttributes returns attributes for governor decisions.
func DecisionAttributes(environment, symbol, result, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSymbol.String(symbol),
		AttrResult.String(result),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// QuoteAttributes returns attributes for quote source metrics.
func QuoteAttributes(environment, source, symbol, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrSymbol.String(symbol),
		AttrResult.String(result),
	}
}

// EventAttributes returns attributes for bus metrics.
func EventAttributes(environment, eventType, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrSymbol.String(symbol),
	}
}

// SinkAttributes returns attributes for notification sink metrics.
func SinkAttributes(environment, sink, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSink.String(sink),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for stream connection metrics.
func ConnectionAttributes(environment, source, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
