package processor

import (
	"sync"
	"time"

	"github.com/c360/streambus/message"
	"github.com/c360/streambus/producer"
)

// Logic turns a batch of consumed messages into messages for the output
// topic. Implementations may hold state across batches; the runtime
// serializes Process calls per processor, so no internal locking is
// required.
type Logic interface {
	Name() string
	Process(batch []*message.Message) ([]producer.Input, error)
}

// LogicFactory builds a fresh logic instance per processor start so state
// never leaks between restarts.
type LogicFactory func() Logic

var (
	logicMu        sync.RWMutex
	logicFactories = map[string]LogicFactory{
		"aggregateOrdersByCustomer": func() Logic { return &orderAggregator{totals: make(map[string]*customerTotal)} },
		"checkInventoryLevels":      func() Logic { return inventoryMonitor{threshold: 10} },
		"detectFraudulentOrders":    func() Logic { return fraudDetector{maxAmount: 10000, maxItems: 50} },
	}
)

// RegisterLogic installs a named logic factory, overriding any builtin of
// the same name.
func RegisterLogic(name string, factory LogicFactory) {
	logicMu.Lock()
	defer logicMu.Unlock()
	logicFactories[name] = factory
}

// NewLogic returns a fresh instance of the named logic. Unknown names get
// identity passthrough, so a processor with a typo'd logic name still
// moves messages instead of silently eating them.
func NewLogic(name string) Logic {
	logicMu.RLock()
	factory, ok := logicFactories[name]
	logicMu.RUnlock()
	if !ok {
		return identity{name: name}
	}
	return factory()
}

// identity forwards every message unchanged.
type identity struct {
	name string
}

func (l identity) Name() string { return l.name }

func (identity) Process(batch []*message.Message) ([]producer.Input, error) {
	out := make([]producer.Input, 0, len(batch))
	for _, msg := range batch {
		out = append(out, producer.Input{Key: msg.Key, Value: msg.Value, Headers: msg.Headers})
	}
	return out, nil
}

type customerTotal struct {
	orders    int
	amount    float64
	lastOrder time.Time
}

// orderAggregator keeps running per-customer order counts and totals and
// emits an updated summary for every customer touched by the batch.
type orderAggregator struct {
	totals map[string]*customerTotal
}

func (l *orderAggregator) Name() string { return "aggregateOrdersByCustomer" }

func (l *orderAggregator) Process(batch []*message.Message) ([]producer.Input, error) {
	touched := make(map[string]bool)

	for _, msg := range batch {
		customer, ok := msg.Value["customerId"].(string)
		if !ok || customer == "" {
			continue
		}
		total, exists := l.totals[customer]
		if !exists {
			total = &customerTotal{}
			l.totals[customer] = total
		}
		total.orders++
		total.amount += numberOf(msg.Value["amount"])
		if msg.Timestamp.After(total.lastOrder) {
			total.lastOrder = msg.Timestamp
		}
		touched[customer] = true
	}

	out := make([]producer.Input, 0, len(touched))
	for customer := range touched {
		total := l.totals[customer]
		out = append(out, producer.Input{
			Key: customer,
			Value: map[string]any{
				"customerId":        customer,
				"totalAmount":       total.amount,
				"orderCount":        total.orders,
				"averageOrderValue": total.amount / float64(total.orders),
				"lastOrderDate":     total.lastOrder.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	return out, nil
}

// inventoryMonitor alerts on sales that leave a product below the
// threshold. Restocks and other movements never alert.
type inventoryMonitor struct {
	threshold float64
}

func (inventoryMonitor) Name() string { return "checkInventoryLevels" }

func (l inventoryMonitor) Process(batch []*message.Message) ([]producer.Input, error) {
	var out []producer.Input
	for _, msg := range batch {
		if op, _ := msg.Value["operation"].(string); op != "sale" {
			continue
		}
		quantity, ok := msg.Value["quantity"]
		if !ok {
			continue
		}
		q := numberOf(quantity)
		if q >= l.threshold {
			continue
		}
		out = append(out, producer.Input{
			Key: msg.Key,
			Value: map[string]any{
				"type":            "low_inventory",
				"productId":       msg.Value["productId"],
				"warehouseId":     msg.Value["warehouseId"],
				"currentQuantity": q,
				"threshold":       l.threshold,
				"severity":        "high",
				"timestamp":       time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	return out, nil
}

// fraudDetector flags orders whose amount or item count is implausibly
// high. The two checks are independent, so one order can trip both.
type fraudDetector struct {
	maxAmount float64
	maxItems  int
}

func (fraudDetector) Name() string { return "detectFraudulentOrders" }

func (l fraudDetector) Process(batch []*message.Message) ([]producer.Input, error) {
	var out []producer.Input
	for _, msg := range batch {
		if amount := numberOf(msg.Value["amount"]); amount > l.maxAmount {
			out = append(out, l.alert(msg, "high_value_order", "amount", amount))
		}
		if items, ok := msg.Value["items"].([]any); ok && len(items) > l.maxItems {
			out = append(out, l.alert(msg, "bulk_order", "itemCount", len(items)))
		}
	}
	return out, nil
}

func (fraudDetector) alert(msg *message.Message, kind, field string, value any) producer.Input {
	return producer.Input{
		Key: msg.Key,
		Value: map[string]any{
			"type":       kind,
			"orderId":    msg.Value["id"],
			"customerId": msg.Value["customerId"],
			field:        value,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// numberOf reads a numeric message field, tolerating the types JSON
// decoding and schema coercion produce.
func numberOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
