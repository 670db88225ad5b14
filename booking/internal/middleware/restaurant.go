package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tablebook/shared/authx"
	"tablebook/shared/httpx"
	"tablebook/shared/restaurantx"

	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/repos"
)

// RestaurantMiddleware resolves the restaurant scope for the request from
// the X-Restaurant-ID / X-Restaurant-Slug headers and pins it into the
// context. Token claims that name a restaurant must agree with the headers.
type RestaurantMiddleware struct {
	Restaurants *repos.RestaurantsRepo
	Skip        func(*http.Request) bool
}

func (m RestaurantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		restaurantID := strings.TrimSpace(r.Header.Get("X-Restaurant-ID"))
		restaurantSlug := strings.TrimSpace(r.Header.Get("X-Restaurant-Slug"))
		if restaurantID == "" && restaurantSlug == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing restaurant header", nil)
			return
		}

		var restaurant restaurantx.RestaurantContext
		if restaurantSlug != "" {
			if m.Restaurants == nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "restaurant repository not configured", nil)
				return
			}
			record, err := m.Restaurants.GetBySlug(r.Context(), restaurantSlug)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "restaurant not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve restaurant", nil)
				return
			}
			if restaurantID != "" && restaurantID != record.RestaurantID.String() {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "restaurant mismatch", nil)
				return
			}
			restaurantID = record.RestaurantID.String()
			restaurant.Slug = record.Slug
		}

		if auth, ok := authx.FromContext(r.Context()); ok {
			if err := validateRestaurantClaims(auth.Claims, restaurantID); err != nil {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
				return
			}
		}

		restaurant.ID = restaurantID
		if restaurant.Slug == "" && restaurantSlug != "" {
			restaurant.Slug = restaurantSlug
		}

		ctx := restaurantx.WithRestaurant(r.Context(), restaurant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validateRestaurantClaims(claims map[string]any, restaurantID string) error {
	if claims == nil || restaurantID == "" {
		return nil
	}
	if v, ok := claims["restaurant_id"]; ok {
		claimID := strings.TrimSpace(fmt.Sprint(v))
		if claimID != "" && claimID != restaurantID {
			return errors.New("restaurant claim mismatch")
		}
	}
	if v, ok := claims["restaurants"]; ok {
		allowed := map[string]struct{}{}
		switch t := v.(type) {
		case []string:
			for _, item := range t {
				item = strings.TrimSpace(item)
				if item != "" {
					allowed[item] = struct{}{}
				}
			}
		case []any:
			for _, item := range t {
				val := strings.TrimSpace(fmt.Sprint(item))
				if val != "" {
					allowed[val] = struct{}{}
				}
			}
		case string:
			for _, item := range strings.Fields(t) {
				if item != "" {
					allowed[item] = struct{}{}
				}
			}
		default:
			val := strings.TrimSpace(fmt.Sprint(t))
			if val != "" {
				allowed[val] = struct{}{}
			}
		}
		if len(allowed) > 0 {
			if _, ok := allowed[restaurantID]; !ok {
				return errors.New("restaurant not allowed")
			}
		}
	}
	return nil
}
