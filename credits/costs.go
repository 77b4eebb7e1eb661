/*
costs.go - Static operation cost table

Each billable operation maps to a fixed integer cost. The table is compiled
in: costs change with a deploy, not at runtime, so there is nothing to load
or cache.
*/
package credits

// Operation identifies a billable action.
type Operation string

const (
	OpImageGenBasic   Operation = "image-gen-basic"
	OpImageGenPremium Operation = "image-gen-premium"
	OpVideoGenShort   Operation = "video-gen-short"
	OpVideoGenLong    Operation = "video-gen-long"
	OpChatbotMessage  Operation = "chatbot-message"
)

// OperationCost describes one entry in the cost table.
type OperationCost struct {
	Operation   Operation
	Credits     int64
	Description string
}

var operationCosts = map[Operation]OperationCost{
	OpImageGenBasic:   {Operation: OpImageGenBasic, Credits: 10, Description: "Basic AI image generation"},
	OpImageGenPremium: {Operation: OpImageGenPremium, Credits: 25, Description: "Premium AI image generation"},
	OpVideoGenShort:   {Operation: OpVideoGenShort, Credits: 50, Description: "Short video generation (<30s)"},
	OpVideoGenLong:    {Operation: OpVideoGenLong, Credits: 100, Description: "Long video generation (30s+)"},
	OpChatbotMessage:  {Operation: OpChatbotMessage, Credits: 1, Description: "AI chatbot interaction"},
}

// CostOf returns the credit cost for an operation.
func CostOf(op Operation) (int64, error) {
	c, ok := operationCosts[op]
	if !ok {
		return 0, &CreditOperationError{Operation: string(op)}
	}
	return c.Credits, nil
}

// ValidOperation reports whether the operation exists in the cost table.
func ValidOperation(op Operation) bool {
	_, ok := operationCosts[op]
	return ok
}

// Operations returns all billable operations with their costs, in no
// particular order.
func Operations() []OperationCost {
	out := make([]OperationCost, 0, len(operationCosts))
	for _, c := range operationCosts {
		out = append(out, c)
	}
	return out
}
