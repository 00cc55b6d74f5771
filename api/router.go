package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"bottleline/engine"
	"bottleline/recipe"
)

// StatusResponse is the JSON response for the connection status.
type StatusResponse struct {
	engine.StatusEvent
	AutoReconnect bool `json:"auto_reconnect"`
}

// ConnectResponse is the JSON response of a connect attempt.
type ConnectResponse struct {
	Connected bool           `json:"connected"`
	Status    StatusResponse `json:"status"`
}

// ReadResponse is the JSON response of an ad-hoc read.
type ReadResponse struct {
	Address   string      `json:"address"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteResponse is the JSON response after writing a value. It matches the
// MQTT write response.
type WriteResponse struct {
	Tag       string      `json:"tag,omitempty"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// CameraResponse is the JSON response for the camera address.
type CameraResponse struct {
	Address string `json:"address"`
}

// writeTimeout bounds one PLC write started by a request.
const writeTimeout = 5 * time.Second

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
	log    zerolog.Logger
}

// NewRouter creates the REST API router. The returned function stops the
// SSE hub.
func NewRouter(eng *engine.Engine, log zerolog.Logger) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub(), log: log}
	cleanup := h.setupSSE()

	r.Use(basicAuth(eng.Config()))

	r.Get("/status", h.handleStatus)
	r.Post("/connect", h.handleConnect)
	r.Post("/disconnect", h.handleDisconnect)
	r.Post("/reconnect/start", h.handleReconnectStart)
	r.Post("/reconnect/stop", h.handleReconnectStop)

	r.Get("/tags", h.handleAllTags)
	r.Get("/tags/{name}", h.handleSingleTag)
	r.Post("/tags/{name}", h.handleWriteTag)

	r.Get("/read", h.handleRead)
	r.Post("/write", h.handleWrite)

	r.Route("/recipes", func(r chi.Router) {
		r.Get("/", h.handleListRecipes)
		r.Post("/", h.handleCreateRecipe)
		r.Get("/{id}", h.handleGetRecipe)
		r.Put("/{id}", h.handleUpdateRecipe)
		r.Delete("/{id}", h.handleDeleteRecipe)
		r.Post("/{id}/apply", h.handleApplyRecipe)
	})

	r.Get("/publishers", h.handleListPublishers)
	r.Post("/publishers/republish", h.handleRepublish)
	r.Post("/publishers/{kind}/{name}/start", h.handleStartPublisher)
	r.Post("/publishers/{kind}/{name}/stop", h.handleStopPublisher)

	r.Get("/camera", h.handleCamera)
	r.Get("/events", h.handleSSE)

	return r, cleanup
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine, recipe and supervisor errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, engine.EngineHTTPStatus(err), err.Error())
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- Connection ---

func (h *handlers) status() StatusResponse {
	return StatusResponse{StatusEvent: h.engine.Status(), AutoReconnect: h.engine.AutoReconnectRunning()}
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.status())
}

func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	ok := h.engine.Connect(r.Context())
	resp := ConnectResponse{Connected: ok, Status: h.status()}
	if !ok {
		h.log.Warn().Str("error", resp.Status.Error).Msg("manual connect failed")
		writeJSONStatus(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, resp)
}

func (h *handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.engine.Disconnect()
	writeJSON(w, h.status())
}

func (h *handlers) handleReconnectStart(w http.ResponseWriter, r *http.Request) {
	h.engine.StartAutoReconnect()
	writeJSON(w, h.status())
}

func (h *handlers) handleReconnectStop(w http.ResponseWriter, r *http.Request) {
	h.engine.StopAutoReconnect()
	writeJSON(w, h.status())
}

// --- Watched tags ---

func (h *handlers) handleAllTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Tags())
}

func tagName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

func (h *handlers) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Tag(tagName(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *handlers) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	name := tagName(r)
	var req engine.TagWriteHTTPRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r, writeTimeout)
	defer cancel()
	err := h.engine.WriteTagByName(ctx, name, req.Value)

	resp := WriteResponse{Tag: name, Value: req.Value, Success: err == nil, Timestamp: now()}
	if err != nil {
		resp.Error = err.Error()
		writeJSONStatus(w, engine.EngineHTTPStatus(err), resp)
		return
	}
	writeJSON(w, resp)
}

// --- Ad-hoc access ---

func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	typeHint := r.URL.Query().Get("type")

	tv, err := h.engine.ReadTag(r.Context(), address, typeHint)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := ReadResponse{Address: address, Type: tv.TypeName, Value: tv.Value, Timestamp: now()}
	if tv.Error != nil {
		resp.Error = tv.Error.Error()
	}
	writeJSON(w, resp)
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req engine.WriteHTTPRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r, writeTimeout)
	defer cancel()
	err := h.engine.WriteTag(ctx, req.ToWriteRequest())

	resp := WriteResponse{Address: req.Address, Value: req.Value, Success: err == nil, Timestamp: now()}
	if err != nil {
		resp.Error = err.Error()
		writeJSONStatus(w, engine.EngineHTTPStatus(err), resp)
		return
	}
	writeJSON(w, resp)
}

// --- Recipes ---

func recipeID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recipe id")
		return 0, false
	}
	return id, true
}

func (h *handlers) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.ListRecipes())
}

func (h *handlers) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := recipeID(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.GetRecipe(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *handlers) handleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	var req engine.RecipeHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rec, err := h.engine.CreateRecipe(req.ToRecipe())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, rec)
}

func (h *handlers) handleUpdateRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := recipeID(w, r)
	if !ok {
		return
	}
	var req engine.RecipeHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rec, err := h.engine.UpdateRecipe(id, req.ToRecipe())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *handlers) handleDeleteRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := recipeID(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteRecipe(id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyResponse is the JSON response of a recipe apply.
type ApplyResponse struct {
	Recipe    recipe.Recipe `json:"recipe"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Timestamp string        `json:"timestamp"`
}

func (h *handlers) handleApplyRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := recipeID(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r, writeTimeout)
	defer cancel()

	rec, err := h.engine.ApplyRecipe(ctx, id)
	resp := ApplyResponse{Recipe: rec, Success: err == nil, Timestamp: now()}
	if err != nil {
		resp.Error = err.Error()
		writeJSONStatus(w, engine.EngineHTTPStatus(err), resp)
		return
	}
	writeJSON(w, resp)
}

// --- Publishers ---

func (h *handlers) handleListPublishers(w http.ResponseWriter, r *http.Request) {
	pubs := h.engine.Publishers()
	if pubs == nil {
		pubs = []engine.PublisherInfo{}
	}
	writeJSON(w, pubs)
}

// handleRepublish pushes the status and every current value to all
// running publishers, e.g. after a broker lost its retained messages.
func (h *handlers) handleRepublish(w http.ResponseWriter, r *http.Request) {
	h.engine.ForcePublishAll()
	writeJSON(w, map[string]string{"status": "republished"})
}

func (h *handlers) handleStartPublisher(w http.ResponseWriter, r *http.Request) {
	kind, name := chi.URLParam(r, "kind"), chi.URLParam(r, "name")
	if err := h.engine.StartPublisher(r.Context(), kind, name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

func (h *handlers) handleStopPublisher(w http.ResponseWriter, r *http.Request) {
	kind, name := chi.URLParam(r, "kind"), chi.URLParam(r, "name")
	if err := h.engine.StopPublisher(kind, name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

// --- Camera ---

func (h *handlers) handleCamera(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, CameraResponse{Address: h.engine.CameraAddress()})
}
