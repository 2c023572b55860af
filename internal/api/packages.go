package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"lightguide/internal/protocol"
	"lightguide/internal/store"
	"lightguide/internal/stream"
)

var errInvalidName = errors.New("invalid package name")

// packageName reduces a client supplied file name to a bare name.
func packageName(raw string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(raw, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", errInvalidName, raw)
	}
	return name, nil
}

func (a *API) listPackages(c *gin.Context) {
	records, err := a.store.ListPackages()
	if err != nil {
		abortError(c, http.StatusInternalServerError, fmt.Errorf("listing packages: %w", err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) uploadPackage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.opts.UploadLimit)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		abortError(c, http.StatusBadRequest, fmt.Errorf("reading upload: %w", err))
		return
	}

	name, err := packageName(header.Filename)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	base, err := a.store.Setting(store.SettingBaseFolder)
	if err != nil {
		abortError(c, http.StatusInternalServerError, fmt.Errorf("reading base folder: %w", err))
		return
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		abortError(c, http.StatusInternalServerError, fmt.Errorf("creating base folder %s: %w", base, err))
		return
	}

	dst := filepath.Join(base, name)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		abortError(c, http.StatusInternalServerError, fmt.Errorf("saving %s: %w", name, err))
		return
	}

	record, err := a.store.SavePackage(name, dst, header.Size)
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil {
			a.log.Warn().Err(rmErr).Str("file", dst).Msg("Failed to remove unrecorded upload")
		}
		abortError(c, http.StatusInternalServerError, fmt.Errorf("recording %s: %w", name, err))
		return
	}

	delivered := a.reg.Broadcast(protocol.PackageUploaded{Identifier: name, Size: header.Size})
	a.log.Info().Str("package", name).Int64("size", header.Size).Int("delivered", delivered).Msg("Package uploaded")

	c.JSON(http.StatusCreated, gin.H{"package": record, "delivered": delivered})
}

func (a *API) installPackage(c *gin.Context) {
	name := c.Param("name")

	record, err := a.store.MarkInstalled(name)
	if err != nil {
		a.storeError(c, err)
		return
	}

	key := stream.ClientKey(c)
	delivered := a.reg.Publish(key, protocol.InstallPackage{Identifier: name})
	a.log.Info().Str("package", name).Str("key", key).Int("delivered", delivered).Msg("Install requested")

	c.JSON(http.StatusOK, gin.H{"package": record, "delivered": delivered})
}

func (a *API) removePackage(c *gin.Context) {
	name := c.Param("name")

	record, err := a.store.DeletePackage(name)
	if err != nil {
		a.storeError(c, err)
		return
	}

	if record.File != "" {
		if err := os.Remove(record.File); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.log.Warn().Err(err).Str("file", record.File).Msg("Failed to remove package file")
		}
	}

	key := stream.ClientKey(c)
	delivered := a.reg.Publish(key, protocol.RemovePackage{Identifier: name})
	a.log.Info().Str("package", name).Str("key", key).Int("delivered", delivered).Msg("Package removed")

	c.JSON(http.StatusOK, gin.H{"package": record, "delivered": delivered})
}

func (a *API) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	abortError(c, http.StatusInternalServerError, err)
}
