package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/civicsite/commentview/api/validator"
	"github.com/civicsite/commentview/comment"
	"github.com/civicsite/commentview/remote"
	"github.com/google/uuid"
)

// Request headers set by the site or by the proxy in front of the service.
const (
	HeaderVisitorID = "X-Visitor-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
)

// API provides the REST endpoints for the application. Every request gets a
// fresh comment view model bound to the calling visitor's profile.
type API struct {
	Logger   *slog.Logger
	Source   comment.Source
	Profiles comment.Profiles
	Val      *validator.Validator
	// Metrics is optional.
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time

	once sync.Once
	mux  *http.ServeMux
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /{type}/{itemID}/comments", a.listComments)
	mux.HandleFunc("POST /{type}/{itemID}/comments", a.createComment)
	mux.HandleFunc("POST /{type}/{itemID}/comments/{commentID}/replies", a.createReply)
	mux.HandleFunc("POST /{type}/{itemID}/comments/{commentID}/reactions", a.createReaction)
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics.Handler())
	}

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	a.mux.ServeHTTP(sw, r)
	a.Metrics.observeRequest(r.Pattern, sw.code)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, response{Error: msg})
}

// respondCommentError maps the errors of the comment view model onto HTTP
// statuses.
func (a *API) respondCommentError(w http.ResponseWriter, err error) {
	var (
		ve *comment.ValidationError
		re *comment.RemoteError
	)
	switch {
	case errors.As(err, &ve):
		a.respondError(w, http.StatusBadRequest, err, ve.Message)
	case errors.Is(err, comment.ErrCommentNotFound):
		a.respondError(w, http.StatusNotFound, err, "Comment not found")
	case errors.As(err, &re) && re.NotFound():
		a.respondError(w, http.StatusNotFound, err, re.Message)
	case errors.As(err, &re) && re.Status == http.StatusUnprocessableEntity:
		a.respondError(w, http.StatusUnprocessableEntity, err, re.Message)
	case errors.As(err, &re):
		a.respondError(w, http.StatusBadGateway, err, re.Message)
	default:
		a.respondError(w, http.StatusInternalServerError, err, "Something went wrong")
	}
}

func (a *API) validateBody(w http.ResponseWriter, s interface{}) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, body any) bool {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	if err := r.Body.Close(); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return false
	}
	return a.validateBody(w, body)
}

// viewModel binds a view model to the item in the path and the calling
// visitor. The visitor id is issued on first contact and echoed back.
func (a *API) viewModel(w http.ResponseWriter, r *http.Request) (*comment.ViewModel, *http.Request) {
	visitorID := r.Header.Get(HeaderVisitorID)
	if _, err := uuid.Parse(visitorID); err != nil {
		visitorID = uuid.NewString()
	}
	w.Header().Set(HeaderVisitorID, visitorID)

	var viewer comment.Viewer
	if name := strings.TrimSpace(r.Header.Get(HeaderUserName)); name != "" {
		id, _ := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
		viewer.Author = &comment.Author{ID: id, Name: name}
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		r = r.WithContext(remote.WithToken(r.Context(), token))
	}

	// A malformed id is left as zero so the view model reports it.
	itemID, _ := strconv.ParseInt(r.PathValue("itemID"), 10, 64)
	key := comment.Key{Type: comment.ItemType(r.PathValue("type")), ItemID: itemID}

	vm := comment.New(key, comment.Options{
		Source:  a.Source,
		Storage: a.Profiles.Profile(visitorID),
		Viewer:  viewer,
		Logger:  a.Logger.With("visitor_id", visitorID),
		Now:     a.Now,
	})
	return vm, r
}

// load fills the view model for actions that need the current list.
func (a *API) load(w http.ResponseWriter, r *http.Request, vm *comment.ViewModel, mode comment.SortMode) bool {
	_, err := vm.Load(r.Context(), mode)
	a.Metrics.observeLoad(err)
	if err != nil {
		a.respondCommentError(w, err)
		return false
	}
	return true
}

// commentID reads the comment id from the path and responds 400 when it is
// not a positive integer.
func (a *API) commentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("commentID"), 10, 64)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Invalid comment ID")
		return 0, false
	}
	if errs := a.Val.Validate(id, "gt=0"); len(errs) > 0 {
		a.respondError(w, http.StatusBadRequest, errors.New(errs[0].Message), "Invalid comment ID")
		return 0, false
	}
	return id, true
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listComments(w http.ResponseWriter, r *http.Request) {
	vm, r := a.viewModel(w, r)
	defer vm.Close()

	if !a.load(w, r, vm, comment.ParseSortMode(r.URL.Query().Get("sort"))) {
		return
	}
	a.respond(w, http.StatusOK, apiThread(vm.State()))
}

func (a *API) createComment(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Content   string `json:"content" validate:"max=5000"`
		GuestName string `json:"guest_name" validate:"max=100"`
	}

	vm, r := a.viewModel(w, r)
	defer vm.Close()

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	if err := vm.SubmitComment(r.Context(), body.Content, body.GuestName); err != nil {
		a.respondCommentError(w, err)
		return
	}
	a.respond(w, http.StatusCreated, apiThread(vm.State()))
}

func (a *API) createReply(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			Content   string `json:"content" validate:"max=5000"`
			GuestName string `json:"guest_name" validate:"max=100"`
		}
		response struct {
			Reply  Comment `json:"reply"`
			Thread Thread  `json:"thread"`
		}
	)

	vm, r := a.viewModel(w, r)
	defer vm.Close()

	parentID, ok := a.commentID(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if !a.load(w, r, vm, comment.ParseSortMode(r.URL.Query().Get("sort"))) {
		return
	}

	reply, err := vm.SubmitReply(r.Context(), parentID, body.Content, body.GuestName)
	if err != nil {
		a.respondCommentError(w, err)
		return
	}
	st := vm.State()
	a.respond(w, http.StatusCreated, response{
		Reply:  apiComment(reply, st.Reactions),
		Thread: apiThread(st),
	})
}

func (a *API) createReaction(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Type string `json:"type" validate:"required,oneof=like dislike"`
	}

	vm, r := a.viewModel(w, r)
	defer vm.Close()

	id, ok := a.commentID(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	kind, err := comment.ParseReaction(body.Type)
	if err != nil {
		a.respondCommentError(w, err)
		return
	}
	if !a.load(w, r, vm, comment.ParseSortMode(r.URL.Query().Get("sort"))) {
		return
	}

	c, err := vm.React(r.Context(), id, kind)
	if err != nil {
		a.respondCommentError(w, err)
		return
	}
	a.respond(w, http.StatusOK, apiComment(c, vm.State().Reactions))
}
