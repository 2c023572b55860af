package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"lightguide/internal/store"
)

func (a *API) getSettings(c *gin.Context) {
	settings, err := a.store.GetSettings()
	if err != nil {
		abortError(c, http.StatusInternalServerError, fmt.Errorf("reading settings: %w", err))
		return
	}
	c.JSON(http.StatusOK, settings)
}

// putSettings applies a JSON object of key/value pairs. Unknown keys
// reject the whole request before anything is written.
func (a *API) putSettings(c *gin.Context) {
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		abortError(c, http.StatusBadRequest, fmt.Errorf("decoding settings: %w", err))
		return
	}

	current, err := a.store.GetSettings()
	if err != nil {
		abortError(c, http.StatusInternalServerError, fmt.Errorf("reading settings: %w", err))
		return
	}

	keys := make([]string, 0, len(updates))
	for key := range updates {
		if _, ok := current[key]; !ok {
			abortError(c, http.StatusBadRequest, fmt.Errorf("setting %s: %w", key, store.ErrUnknownSetting))
			return
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := a.store.PutSetting(key, updates[key]); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrUnknownSetting) {
				status = http.StatusBadRequest
			}
			abortError(c, status, err)
			return
		}
	}

	a.getSettings(c)
}
