package engine

import (
	"errors"
	"net/http"

	"bottleline/plcman"
	"bottleline/recipe"
)

// WriteHTTPRequest is the JSON body of an ad-hoc write.
type WriteHTTPRequest struct {
	Address string      `json:"address"`
	Type    string      `json:"type"`
	Value   interface{} `json:"value"`
}

// ToWriteRequest converts to an engine WriteRequest.
func (r WriteHTTPRequest) ToWriteRequest() WriteRequest {
	return WriteRequest{Address: r.Address, Type: r.Type, Value: r.Value}
}

// TagWriteHTTPRequest is the JSON body of a write to a watched tag.
type TagWriteHTTPRequest struct {
	Value interface{} `json:"value"`
}

// RecipeHTTPRequest is the JSON body of a recipe create or update.
type RecipeHTTPRequest struct {
	Name        string `json:"name"`
	BottleCount int    `json:"bottle_count"`
	PLCAddress  string `json:"plc_address"`
}

// ToRecipe converts to a recipe.Recipe without an ID.
func (r RecipeHTTPRequest) ToRecipe() recipe.Recipe {
	return recipe.Recipe{Name: r.Name, BottleCount: r.BottleCount, PLCAddress: r.PLCAddress}
}

// EngineHTTPStatus maps engine, recipe and supervisor errors to HTTP
// status codes.
func EngineHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, recipe.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, recipe.ErrInvalid), errors.Is(err, plcman.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, plcman.ErrNotConnected), errors.Is(err, plcman.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, plcman.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, plcman.ErrDriverFault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
