package handler

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"toolhub_api/internal/api/middleware"
	"toolhub_api/internal/app/service"
	"toolhub_api/internal/app/ws"
	"toolhub_api/internal/common"
	"toolhub_api/internal/common/security"
	"toolhub_api/internal/domain/model"
	"toolhub_api/internal/domain/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type ExportHandler struct {
	exportService   *service.ExportService
	deliveryService *service.DeliveryService
	hub             *ws.Hub
	rdb             *redis.Client
	pollRate        int
	upgrader        websocket.Upgrader
}

func NewExportHandler(es *service.ExportService, ds *service.DeliveryService, hub *ws.Hub, rdb *redis.Client, pollRate int) *ExportHandler {
	return &ExportHandler{
		exportService:   es,
		deliveryService: ds,
		hub:             hub,
		rdb:             rdb,
		pollRate:        pollRate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *ExportHandler) RegisterRoutes(r chi.Router) {
	// Browsers cannot set an Authorization header on WS upgrades, so the feed
	// takes the token from the jwt query param instead.
	r.Group(func(feed chi.Router) {
		feed.Use(jwtauth.Verify(security.TokenAuth, jwtauth.TokenFromQuery))
		feed.Use(middleware.Authenticator)
		feed.Get("/ws", h.progressFeed)
	})

	r.Group(func(authed chi.Router) {
		authed.Use(middleware.Authenticator)

		authed.Get("/", h.listJobs)
		authed.Post("/{jobID}/cancel", h.cancelJob)
		authed.Get("/{jobID}/checksum", h.checksumInfo)
		authed.Get("/{jobID}/download", h.downloadPackage)

		authed.Group(func(polled chi.Router) {
			polled.Use(middleware.RateLimit(h.rdb, "export_status", h.pollRate))
			polled.Get("/{jobID}", h.jobStatus)
		})
	})
}

func (h *ExportHandler) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.exportService.GetExportStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, job)
}

func (h *ExportHandler) cancelJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	job, err := h.exportService.CancelExport(r.Context(), chi.URLParam(r, "jobID"), userID, userRole)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (h *ExportHandler) checksumInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.exportService.GetChecksumInfo(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, info)
}

func (h *ExportHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())
	q := r.URL.Query()

	limit := 20
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			common.RespondWithError(w, http.StatusBadRequest, "limit must be an integer between 1 and 100")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			common.RespondWithError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	filter := repository.ExportJobListFilter{
		Status:    model.ExportJobStatus(q.Get("status_filter")),
		ToolType:  model.ToolType(q.Get("tool_type_filter")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		Limit:     limit,
		Offset:    offset,
	}
	for _, p := range []struct {
		param    string
		dest     **time.Time
		endOfDay bool
	}{
		{"start_date", &filter.StartDate, false},
		{"end_date", &filter.EndDate, true},
	} {
		if raw := q.Get(p.param); raw != "" {
			parsed, err := parseDateParam(raw, p.endOfDay)
			if err != nil {
				common.RespondWithError(w, http.StatusBadRequest, p.param+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
				return
			}
			*p.dest = &parsed
		}
	}

	jobs, total, err := h.exportService.ListExportJobs(r.Context(), userID, userRole, filter)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}

	type PaginatedJobsResponse struct {
		Jobs       []model.ExportJob `json:"jobs"`
		Total      int               `json:"total"`
		Limit      int               `json:"limit"`
		Offset     int               `json:"offset"`
		TotalPages int               `json:"total_pages"`
	}
	common.RespondWithJSON(w, http.StatusOK, PaginatedJobsResponse{
		Jobs:       jobs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		TotalPages: (total + limit - 1) / limit,
	})
}

func (h *ExportHandler) downloadPackage(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserIDFromContext(r.Context())
	userRole, _ := middleware.GetUserRoleFromContext(r.Context())

	pkg, err := h.deliveryService.OpenPackage(r.Context(), chi.URLParam(r, "jobID"), userID, userRole)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	defer pkg.File.Close()

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		rng, ok, rErr := parseByteRange(rangeHeader, pkg.Size)
		if rErr != nil {
			common.RespondWithError(w, http.StatusBadRequest, "invalid range: "+rErr.Error())
			return
		}
		if ok {
			h.streamRange(w, r, pkg, rng)
			return
		}
	}
	h.streamFull(w, r, pkg)
}

func (h *ExportHandler) streamFull(w http.ResponseWriter, r *http.Request, pkg *service.PackageDownload) {
	setDownloadHeaders(w, pkg.Filename)
	w.Header().Set("Content-Length", strconv.FormatInt(pkg.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.CopyN(w, pkg.File, pkg.Size); err != nil {
		// Headers are out; nothing to do but drop the connection.
		log.Printf("WARN: Download stream for job %s aborted: %v", pkg.Job.ID, err)
		return
	}
	h.deliveryService.FinalizeDownload(r.Context(), pkg.Job)
}

func (h *ExportHandler) streamRange(w http.ResponseWriter, r *http.Request, pkg *service.PackageDownload, rng byteRange) {
	length := rng.end - rng.start + 1
	if _, err := pkg.File.Seek(rng.start, io.SeekStart); err != nil {
		common.RespondWithError(w, http.StatusInternalServerError, "failed to seek package file")
		return
	}

	setDownloadHeaders(w, pkg.Filename)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, pkg.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := io.CopyN(w, pkg.File, length); err != nil {
		log.Printf("WARN: Partial download stream for job %s aborted: %v", pkg.Job.ID, err)
		return
	}
	h.deliveryService.FinalizeDownload(r.Context(), pkg.Job)
}

// progressFeed upgrades the connection and keeps it registered with the hub
// until the client goes away.
func (h *ExportHandler) progressFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN: Websocket upgrade failed: %v", err)
		return
	}

	h.hub.RegisterClient(conn)
	go func() {
		defer h.hub.UnregisterClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func setDownloadHeaders(w http.ResponseWriter, filename string) {
	header := w.Header()
	header.Set("Content-Type", "application/zip")
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	header.Set("Accept-Ranges", "bytes")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Content-Security-Policy", "default-src 'none'")
	header.Set("Referrer-Policy", "no-referrer")
	header.Set("X-Frame-Options", "DENY")
}

type byteRange struct {
	start int64
	end   int64
}

// parseByteRange accepts a single "bytes=start-end", "bytes=start-" or
// "bytes=-suffix" range. The resolved range must satisfy
// 0 <= start <= end < size; anything else is an error and no bytes are sent.
func parseByteRange(rangeHeader string, size int64) (byteRange, bool, error) {
	rh := strings.TrimSpace(rangeHeader)
	if rh == "" {
		return byteRange{}, false, nil
	}
	if size <= 0 {
		return byteRange{}, false, fmt.Errorf("unknown package size")
	}
	if !strings.HasPrefix(rh, "bytes=") {
		return byteRange{}, false, fmt.Errorf("unsupported range unit")
	}
	parts := strings.Split(strings.TrimPrefix(rh, "bytes="), ",")
	if len(parts) != 1 {
		return byteRange{}, false, fmt.Errorf("multiple ranges not supported")
	}
	part := strings.TrimSpace(parts[0])
	if part == "" {
		return byteRange{}, false, fmt.Errorf("empty range")
	}

	if strings.HasPrefix(part, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(part, "-"), 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1}, true, nil
	}

	bounds := strings.Split(part, "-")
	if len(bounds) != 2 {
		return byteRange{}, false, fmt.Errorf("invalid range format")
	}
	start, err := strconv.ParseInt(bounds[0], 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false, fmt.Errorf("invalid range start")
	}
	var end int64
	if bounds[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(bounds[1], 10, 64)
		if err != nil || end < 0 {
			return byteRange{}, false, fmt.Errorf("invalid range end")
		}
	}
	if start >= size || end >= size || end < start {
		return byteRange{}, false, fmt.Errorf("range out of bounds for %d-byte package", size)
	}
	return byteRange{start: start, end: end}, true, nil
}

// parseDateParam accepts a full RFC 3339 timestamp or a bare date. A bare
// date used as the end of a range means the whole day, so it resolves to the
// last instant of that day rather than its midnight.
func parseDateParam(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
