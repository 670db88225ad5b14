package restaurantx

import "context"

type contextKey struct{}

type RestaurantContext struct {
	ID   string
	Slug string
}

func WithRestaurant(ctx context.Context, restaurant RestaurantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, restaurant)
}

func FromContext(ctx context.Context) (RestaurantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if r, ok := v.(RestaurantContext); ok {
			return r, true
		}
	}
	return RestaurantContext{}, false
}

func RestaurantIDFromContext(ctx context.Context) string {
	if r, ok := FromContext(ctx); ok {
		return r.ID
	}
	return ""
}
