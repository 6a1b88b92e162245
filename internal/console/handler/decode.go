package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/xela07ax/x402-paygate/internal/gateway"
)

// decode: пустое тело допустимо, если все поля необязательны.
func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return &gateway.BadRequest{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
