package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/credpool/pool-server-go/internal/errors"
	"github.com/credpool/pool-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// decodeBody decodes an optional JSON body. An empty body leaves dst at
// its zero value; malformed JSON is a validation error.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}

// writeError maps a service error onto the wire, logging the ones that
// surface as server-side failures.
func writeError(w http.ResponseWriter, err error, msg string) {
	if httputil.StatusFromCode(apperrors.GetCode(err)) >= http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
	}
	httputil.WriteError(w, err)
}
