package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/cmdqueue"
	"nuha.dev/trackserver/internal/geocode"
	"nuha.dev/trackserver/internal/imei"
	"nuha.dev/trackserver/internal/registry"
	"nuha.dev/trackserver/internal/util"
)

// Api is the small management surface: enqueue a device command, read back a
// time range of a device's series. The dashboard proper lives elsewhere.
type Api struct {
	log      log.Logger
	queue    cmdqueue.Queue
	reg      registry.Registry
	validate *validator.Validate
}

func New(queue cmdqueue.Queue, reg registry.Registry) *Api {
	a := &Api{queue: queue, reg: reg, validate: validator.New()}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "web").Value()
	return a
}

func (a *Api) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/func/EnqueueCommand", a.enqueueCommand)
	r.Post("/func/GetRange", a.getRange)
	return r
}

type BasicResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type EnqueueCommandRequest struct {
	IMEI    string `json:"imei" validate:"required,len=15,numeric"`
	Command string `json:"command" validate:"required,max=220"`
}

type GetRangeRequest struct {
	IMEI string `json:"imei" validate:"required,len=15,numeric"`
	From int64  `json:"from"`
	To   int64  `json:"to" validate:"gtefield=From"`
}

type GetRangeResponse struct {
	Ok    bool          `json:"ok"`
	Fixes []geocode.Fix `json:"fixes"`
}

func (a *Api) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(req)
	if err == nil {
		err = a.validate.Struct(req)
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		util.JsonWrite(w, BasicResponse{Ok: false, Error: err.Error()})
		return false
	}
	return true
}

func (a *Api) checkIMEI(w http.ResponseWriter, id string) bool {
	if !imei.Valid(id) {
		w.WriteHeader(http.StatusBadRequest)
		util.JsonWrite(w, BasicResponse{Ok: false, Error: "invalid imei"})
		return false
	}
	return true
}

func (a *Api) enqueueCommand(w http.ResponseWriter, r *http.Request) {
	req := EnqueueCommandRequest{}
	if !a.decode(w, r, &req) || !a.checkIMEI(w, req.IMEI) {
		return
	}
	err := a.queue.Enqueue(r.Context(), req.IMEI, req.Command)
	if err != nil {
		a.log.Error().Err(err).Str("imei", req.IMEI).Msg("enqueue failed")
		w.WriteHeader(http.StatusInternalServerError)
		util.JsonWrite(w, BasicResponse{Ok: false, Error: "enqueue failed"})
		return
	}
	a.log.Info().Str("imei", req.IMEI).Str("command", req.Command).Msg("command enqueued")
	util.JsonWrite(w, BasicResponse{Ok: true})
}

func (a *Api) getRange(w http.ResponseWriter, r *http.Request) {
	req := GetRangeRequest{}
	if !a.decode(w, r, &req) || !a.checkIMEI(w, req.IMEI) {
		return
	}
	dev, err := a.reg.FindOrCreateByIMEI(r.Context(), req.IMEI)
	if err != nil {
		a.log.Error().Err(err).Str("imei", req.IMEI).Msg("device lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		util.JsonWrite(w, BasicResponse{Ok: false, Error: "lookup failed"})
		return
	}
	util.JsonWrite(w, GetRangeResponse{Ok: true, Fixes: dev.Series.Range(req.From, req.To)})
}
