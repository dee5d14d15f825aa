// Package handlers implements the HTTP API over a set of storagearea caches.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/byuoitav/storagearea/storagearea"
	"github.com/byuoitav/storagearea/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Areas is what the handlers serve.
type Areas interface {
	Names() []string
	Cache(area string) (*storagearea.Cache, bool)
	OnChanged(h store.Handler) store.UnsubscribeFunc

	// Done is closed when long lived requests should end.
	Done() <-chan struct{}
}

// writeStatus maps a failed write to a response code.
func writeStatus(err error) int {
	switch {
	case errors.Is(err, storagearea.ErrNotSerializable), errors.Is(err, storagearea.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, storagearea.ErrDestroyed):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

// ListAreas .
func ListAreas(areas Areas) echo.HandlerFunc {
	return func(c echo.Context) error {
		names := areas.Names()
		if names == nil {
			names = []string{}
		}

		return c.JSON(http.StatusOK, names)
	}
}

// GetArea responds with every entry of the area as one JSON object.
func GetArea(areas Areas) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		items, err := cache.Lookup(nil)
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}

		return c.JSON(http.StatusOK, items)
	}
}

// GetKey .
func GetKey(areas Areas) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		val, ok := cache.Get(c.Param("key"))
		if !ok {
			return c.String(http.StatusNotFound, "no such key "+c.Param("key"))
		}

		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, val)
	}
}

// SetKey stores the request body, which must be JSON, and responds once it has been persisted.
func SetKey(areas Areas) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		bytes, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		key := c.Param("key")
		return set(c, cache, key, json.RawMessage(bytes))
	}
}

// PostItem stores {"key": ..., "value": ...}. A key that isn't a string is converted to one.
func PostItem(areas Areas, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		var body struct {
			Key   any             `json:"key"`
			Value json.RawMessage `json:"value"`
		}

		dec := json.NewDecoder(c.Request().Body)
		dec.UseNumber()

		if err := dec.Decode(&body); err != nil {
			return c.String(http.StatusBadRequest, "unable to decode body: "+err.Error())
		}

		if body.Value == nil {
			return c.String(http.StatusBadRequest, "value is required")
		}

		key, coerced, err := storagearea.KeyOf(body.Key)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		if coerced {
			log.Warn("Converted key to a string", zap.String("area", cache.Area()), zap.Any("key", body.Key), zap.String("converted", key))
		}

		return set(c, cache, key, body.Value)
	}
}

func set(c echo.Context, cache *storagearea.Cache, key string, val json.RawMessage) error {
	f, err := cache.Set(c.Request().Context(), key, val)
	if err != nil {
		return c.String(writeStatus(err), err.Error())
	}

	if err := f.Wait(c.Request().Context()); err != nil {
		return c.String(writeStatus(err), err.Error())
	}

	return c.String(http.StatusOK, "updated "+key)
}

// RemoveKey .
func RemoveKey(areas Areas) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		key := c.Param("key")
		if err := cache.Remove(c.Request().Context(), storagearea.Key(key)).Wait(c.Request().Context()); err != nil {
			return c.String(writeStatus(err), err.Error())
		}

		return c.String(http.StatusOK, "removed "+key)
	}
}

// ClearArea .
func ClearArea(areas Areas) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		if err := cache.Clear(c.Request().Context()).Wait(c.Request().Context()); err != nil {
			return c.String(writeStatus(err), err.Error())
		}

		return c.String(http.StatusOK, "cleared "+cache.Area())
	}
}
