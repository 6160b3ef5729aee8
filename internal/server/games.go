package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/metrics"
	"github.com/loykin/dosrun/internal/store"
)

// Catalog change reasons carried by games_changed.
const (
	ReasonCreate = "create_game"
	ReasonUpdate = "update_game"
	ReasonDelete = "delete_games"
)

type gameReq struct {
	Title        string `json:"title"`
	ConfigPath   string `json:"config_path"`
	ResetRunTime bool   `json:"reset_run_time"`
}

type deleteReq struct {
	IDs []int64 `json:"ids"`
}

type deleteResp struct {
	Deleted int64 `json:"deleted"`
}

type configText struct {
	Text string `json:"text"`
}

type pathReq struct {
	Path string `json:"path"`
}

type pathResp struct {
	Path     string `json:"path"`
	Relative bool   `json:"relative"`
}

type generateReq struct {
	ExePath string `json:"exe_path"`
}

type settingReq struct {
	Value string `json:"value"`
}

type dosboxReq struct {
	Args []string `json:"args"`
}

type dosboxResp struct {
	Stdout string `json:"stdout"`
}

func (r *Router) handleListGames(c *gin.Context) {
	games, err := r.games.ListGames(c.Request.Context(), c.Query("search"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, games)
}

func (r *Router) handleCreateGame(c *gin.Context) {
	var req gameReq
	if !r.bindGame(c, &req) {
		return
	}
	g, err := r.games.CreateGame(c.Request.Context(), req.Title, req.ConfigPath)
	if err != nil {
		r.writeError(c, err)
		return
	}
	r.catalogChanged(c.Request.Context(), ReasonCreate)
	writeJSON(c, http.StatusCreated, g)
}

func (r *Router) handleUpdateGame(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid game id", Code: "invalid_request"})
		return
	}
	var req gameReq
	if !r.bindGame(c, &req) {
		return
	}
	u := store.GameUpdate{Title: req.Title, ConfigPath: req.ConfigPath, ResetRunTime: req.ResetRunTime}
	if err := r.games.UpdateGame(c.Request.Context(), id, u); err != nil {
		r.writeError(c, err)
		return
	}
	r.catalogChanged(c.Request.Context(), ReasonUpdate)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeleteGames(c *gin.Context) {
	var req deleteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "ids required", Code: "invalid_request"})
		return
	}
	n, err := r.games.DeleteGames(c.Request.Context(), req.IDs)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if n > 0 {
		r.catalogChanged(c.Request.Context(), ReasonDelete)
	}
	writeJSON(c, http.StatusOK, deleteResp{Deleted: n})
}

func (r *Router) handleReadConfig(c *gin.Context) {
	g, ok := r.findGame(c)
	if !ok {
		return
	}
	text, err := r.dosbox.ReadGameConfig(g)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, configText{Text: text})
}

func (r *Router) handleWriteConfig(c *gin.Context) {
	g, ok := r.findGame(c)
	if !ok {
		return
	}
	var req configText
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	if err := r.dosbox.WriteGameConfig(g, req.Text); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGenerateConfig(c *gin.Context) {
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	if !isSafePath(req.ExePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid exe_path: must be a clean path without traversal", Code: "invalid_request"})
		return
	}
	conf, err := r.dosbox.GenerateGameConfig(req.ExePath)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.relative(conf))
}

func (r *Router) handleRelativePath(c *gin.Context) {
	var req pathReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path required", Code: "invalid_request"})
		return
	}
	writeJSON(c, http.StatusOK, r.relative(req.Path))
}

func (r *Router) handleListSettings(c *gin.Context) {
	settings, err := r.games.ListSettings(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, settings)
}

func (r *Router) handleUpsertSetting(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var req settingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "setting key required", Code: "invalid_request"})
		return
	}
	if err := r.games.UpsertSetting(c.Request.Context(), store.Setting{Key: key, Value: req.Value}); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRunDOSBox(c *gin.Context) {
	var req dosboxReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	out, err := r.dosbox.Run(c.Request.Context(), req.Args...)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, dosboxResp{Stdout: out})
}

func (r *Router) bindGame(c *gin.Context, req *gameReq) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return false
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "title required", Code: "invalid_request"})
		return false
	}
	if filepath.IsAbs(filepath.FromSlash(req.ConfigPath)) {
		req.ConfigPath = r.relative(req.ConfigPath).Path
	}
	if !isSafePath(req.ConfigPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid config_path: must be a clean path without traversal", Code: "invalid_request"})
		return false
	}
	return true
}

func (r *Router) findGame(c *gin.Context) (store.Game, bool) {
	id, ok := parseID(c)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid game id", Code: "invalid_request"})
		return store.Game{}, false
	}
	g, err := r.games.FindGame(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return store.Game{}, false
	}
	return g, true
}

// relative rewrites p relative to the install directory when it lies inside it.
func (r *Router) relative(p string) pathResp {
	if rel, ok := r.paths.Relative(p); ok {
		return pathResp{Path: rel, Relative: true}
	}
	return pathResp{Path: p}
}

func (r *Router) catalogChanged(ctx context.Context, reason string) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, events.CatalogChanged{Reason: reason})
	switch {
	case err == nil, errors.Is(err, events.ErrNoSubscribers):
	case errors.Is(err, events.ErrSubscriberFull):
		metrics.IncEventDropped(events.KindCatalogChanged)
		r.logger.Warn("event dropped by a slow subscriber", "type", events.KindCatalogChanged, "error", err)
	default:
		r.logger.Error("event publish failed", "type", events.KindCatalogChanged, "error", err)
	}
}
