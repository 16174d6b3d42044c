package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router chi 路由 + 通用中间件
type Router struct {
	mux    *chi.Mux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(accessLog(logger))
	mux.Use(middleware.Recoverer)
	return &Router{mux: mux, logger: logger}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHealthRoutes /health 与 /metrics
func (r *Router) RegisterHealthRoutes(gatherer prometheus.Gatherer) {
	r.mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
	if gatherer != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// RegisterHouseholdRoutes 户口、人口与户主操作（管理端）
func (r *Router) RegisterHouseholdRoutes(h *HouseholdHandler) {
	r.mux.Route("/admin/api/v1/households", func(rt chi.Router) {
		rt.Get("/", h.ListHouseholds)
		rt.Post("/", h.CreateHousehold)
		rt.Get("/export", h.ExportHouseholds)
		rt.Get("/{id}", h.GetHousehold)
		rt.Post("/{id}/persons", h.CreatePerson)
		rt.Post("/{id}/activate", h.Activate)
		rt.Post("/{id}/change-head", h.ChangeHead)
	})
	r.mux.Get("/admin/api/v1/persons/{id}", h.GetPerson)
}

// RegisterRequestRoutes 居民申请
func (r *Router) RegisterRequestRoutes(h *RequestHandler) {
	r.mux.Route("/api/v1/requests", func(rt chi.Router) {
		rt.Get("/", h.List)
		rt.Post("/", h.Submit)
		rt.Get("/{id}", h.Get)
		rt.Post("/{id}/approve", h.Approve)
		rt.Post("/{id}/reject", h.Reject)
	})
}

// RegisterFeedbackRoutes 居民反映：居民端提交/查看自己的，管理端合并/答复
func (r *Router) RegisterFeedbackRoutes(h *FeedbackHandler) {
	r.mux.Route("/api/v1/feedback", func(rt chi.Router) {
		rt.Post("/", h.Submit)
		rt.Get("/mine", h.ListMine)
		rt.Get("/{id}", h.Get)
	})
	r.mux.Route("/admin/api/v1/feedback", func(rt chi.Router) {
		rt.Get("/", h.ListForAdmin)
		rt.Post("/merge", h.Merge)
		rt.Post("/{id}/respond", h.Respond)
		rt.Post("/{id}/reject", h.Reject)
		rt.Get("/{id}/duplicates", h.SuggestDuplicates)
	})
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
