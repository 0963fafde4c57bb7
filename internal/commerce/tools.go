package commerce

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/voicegate/internal/conversation"
)

var errNoPhone = errors.New("no phone number known for this caller")

func objectSchema(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

var orderIDProp = map[string]any{
	"orderId": map[string]any{"type": "string", "description": "The order ID. Either the numeric ID or the full ID."},
}

// Descriptors lists the store tools in the order they are offered.
func Descriptors() []conversation.ToolDescriptor {
	return []conversation.ToolDescriptor{
		{
			Name:        "getAllProducts",
			Description: "Get a list of all products in the store.",
			Parameters:  objectSchema(map[string]any{}),
		},
		{
			Name:        "getUserDetailsByPhoneNo",
			Description: "Get the caller's customer details. Uses the caller's phone number unless one is given.",
			Parameters: objectSchema(map[string]any{
				"phoneNo": map[string]any{"type": "string", "description": "Phone number to look up."},
			}),
		},
		{
			Name:        "getAllOrders",
			Description: "Get the caller's orders.",
			Parameters: objectSchema(map[string]any{
				"phoneNo": map[string]any{"type": "string", "description": "Phone number whose orders to list."},
			}),
		},
		{
			Name:        "getOrderById",
			Description: "Get details for a specific order by its ID.",
			Parameters:  objectSchema(orderIDProp, "orderId"),
		},
		{
			Name:        "cancelOrder",
			Description: "Cancel an order. Can refund, restock and notify the customer by email.",
			Parameters: objectSchema(map[string]any{
				"orderId": orderIDProp["orderId"],
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the order is cancelled.",
					"enum":        []string{"CUSTOMER", "FRAUD", "INVENTORY", "DECLINED", "OTHER"},
				},
				"email":   map[string]any{"type": "boolean", "description": "Send a cancellation email."},
				"refund":  map[string]any{"type": "boolean", "description": "Refund the order."},
				"restock": map[string]any{"type": "boolean", "description": "Restock the items."},
			}, "orderId"),
			Defaults: map[string]any{"reason": "OTHER", "email": true, "refund": true, "restock": true},
		},
		{
			Name:        "checkOrderCancellable",
			Description: "Check whether an order can still be cancelled and why not if it cannot.",
			Parameters:  objectSchema(orderIDProp, "orderId"),
		},
	}
}

// Backend is what the tools need from the store.
type Backend interface {
	Products(ctx context.Context) (any, error)
	CustomerByPhone(ctx context.Context, phone string) (any, error)
	Orders(ctx context.Context, phone string) (any, error)
	Order(ctx context.Context, id string) (any, error)
	Cancellable(ctx context.Context, id string) (any, error)
	CancelOrder(ctx context.Context, id string, opts CancelOptions) (any, error)
}

// Register binds every store tool to backend.
func Register(reg *conversation.Registry, backend Backend) error {
	handlers := map[string]conversation.Handler{
		"getAllProducts": func(ctx context.Context, _ map[string]any) (any, error) {
			return backend.Products(ctx)
		},
		"getUserDetailsByPhoneNo": func(ctx context.Context, args map[string]any) (any, error) {
			phone := phoneFor(ctx, args)
			if phone == "" {
				return nil, errNoPhone
			}
			return backend.CustomerByPhone(ctx, phone)
		},
		"getAllOrders": func(ctx context.Context, args map[string]any) (any, error) {
			return backend.Orders(ctx, phoneFor(ctx, args))
		},
		"getOrderById": func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString(args, "orderId")
			if err != nil {
				return nil, err
			}
			return backend.Order(ctx, id)
		},
		"cancelOrder": func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString(args, "orderId")
			if err != nil {
				return nil, err
			}
			return backend.CancelOrder(ctx, id, CancelOptions{
				Reason:  stringArg(args, "reason", "OTHER"),
				Email:   boolArg(args, "email", true),
				Refund:  boolArg(args, "refund", true),
				Restock: boolArg(args, "restock", true),
			})
		},
		"checkOrderCancellable": func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString(args, "orderId")
			if err != nil {
				return nil, err
			}
			return backend.Cancellable(ctx, id)
		},
	}
	for _, d := range Descriptors() {
		if err := reg.Register(d, handlers[d.Name]); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the tool names, for configuring sessions by name.
func Names() []string {
	descs := Descriptors()
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Name)
	}
	return out
}

func phoneFor(ctx context.Context, args map[string]any) string {
	if p := stringArg(args, "phoneNo", ""); p != "" {
		return p
	}
	caller := conversation.CallerFrom(ctx)
	if caller == "unknown" {
		return ""
	}
	return caller
}

func requireString(args map[string]any, key string) (string, error) {
	v := stringArg(args, key, "")
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func stringArg(args map[string]any, key, fallback string) string {
	switch v := args[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return fallback
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}
