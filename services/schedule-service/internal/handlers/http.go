package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/medbook/medbook/libs/httpx"
	"github.com/medbook/medbook/services/schedule-service/internal/clock"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/medbook/medbook/services/schedule-service/internal/model"
	"github.com/medbook/medbook/services/schedule-service/internal/storage"
)

const (
	defaultGenerateDays = 7
	maxGenerateDays     = 90
)

type Repository interface {
	GetConfig(ctx context.Context, doctorID int64) (model.ScheduleConfig, error)
	UpsertConfig(ctx context.Context, c model.ScheduleConfig) (model.ScheduleConfig, error)
	ListSlots(ctx context.Context, doctorID int64, from, to string) ([]model.Slot, error)
	CreateSlot(ctx context.Context, s model.Slot) (model.Slot, error)
}

type Generator interface {
	Run(ctx context.Context, days int) (generation.Report, error)
	RunForDoctor(ctx context.Context, doctorID int64, days int) (generation.Report, error)
}

type Handler struct {
	repo   Repository
	gen    Generator
	loc    *time.Location
	logger *slog.Logger
}

func New(repo Repository, gen Generator, loc *time.Location, logger *slog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{repo: repo, gen: gen, loc: loc, logger: logger}
}

// Register mounts the schedule API on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/doctor/auto-schedule", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.GetConfig(w, r)
		case http.MethodPut, http.MethodPost:
			h.SaveConfig(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/doctor/schedule", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListSlots(w, r)
		case http.MethodPost:
			h.CreateSlot(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/admin/generate-schedules", h.GenerateAll)
	mux.HandleFunc("/api/v1/doctor/generate-schedules", h.GenerateForDoctor)
}

func doctorIDFromHeader(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-Doctor-Id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type configResponse struct {
	Config model.ScheduleConfig `json:"config"`
	Exists bool                 `json:"exists"`
}

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doctorID, ok := doctorIDFromHeader(r)
	if !ok {
		http.Error(w, "missing X-Doctor-Id", http.StatusBadRequest)
		return
	}

	cfg, err := h.repo.GetConfig(r.Context(), doctorID)
	if errors.Is(err, generation.ErrConfigNotFound) {
		httpx.WriteJSON(w, http.StatusOK, configResponse{Config: model.DefaultScheduleConfig(doctorID)})
		return
	}
	if err != nil {
		h.logger.Error("load schedule config failed", "doctor_id", doctorID, "err", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, configResponse{Config: cfg, Exists: true})
}

// SaveConfig creates or updates the caller's config. Fields missing from the
// body keep their stored (or default) values.
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doctorID, ok := doctorIDFromHeader(r)
	if !ok {
		http.Error(w, "missing X-Doctor-Id", http.StatusBadRequest)
		return
	}

	cfg, err := h.repo.GetConfig(r.Context(), doctorID)
	if errors.Is(err, generation.ErrConfigNotFound) {
		cfg = model.DefaultScheduleConfig(doctorID)
	} else if err != nil {
		h.logger.Error("load schedule config failed", "doctor_id", doctorID, "err", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	cfg.DoctorID = doctorID
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	saved, err := h.repo.UpsertConfig(r.Context(), cfg)
	if err != nil {
		h.logger.Error("save schedule config failed", "doctor_id", doctorID, "err", err)
		http.Error(w, "failed to save config", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, configResponse{Config: saved, Exists: true})
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doctorID, ok := doctorIDFromHeader(r)
	if !ok {
		http.Error(w, "missing X-Doctor-Id", http.StatusBadRequest)
		return
	}

	var from, to string
	q := r.URL.Query()
	switch {
	case q.Get("date") != "":
		d, err := clock.ParseDate(q.Get("date"), h.loc)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		from, to = clock.FormatDate(d), clock.FormatDate(d)
	case q.Get("month") != "":
		m, err := time.ParseInLocation("2006-01", strings.TrimSpace(q.Get("month")), h.loc)
		if err != nil {
			http.Error(w, "invalid month", http.StatusBadRequest)
			return
		}
		from = clock.FormatDate(m)
		to = clock.FormatDate(m.AddDate(0, 1, -1))
	default:
		http.Error(w, "date or month is required", http.StatusBadRequest)
		return
	}

	list, err := h.repo.ListSlots(r.Context(), doctorID, from, to)
	if err != nil {
		h.logger.Error("list slots failed", "doctor_id", doctorID, "err", err)
		http.Error(w, "failed to list slots", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.Slot{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"slots": list})
}

func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doctorID, ok := doctorIDFromHeader(r)
	if !ok {
		http.Error(w, "missing X-Doctor-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	date, err := clock.ParseDate(req.Date, h.loc)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	start, err := clock.ParseMinutes(req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	end, err := clock.ParseMinutes(req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	if start >= end {
		http.Error(w, "start_time must be before end_time", http.StatusBadRequest)
		return
	}
	status := model.SlotStatus(strings.TrimSpace(req.Status))
	if status == "" {
		status = model.SlotAvailable
	}
	if !status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	// Normalise to HH:MM so "9:00" and "09:00" hit the same unique key.
	startText, err := clock.FormatMinutes(start)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endText, err := clock.FormatMinutes(end)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	slot, err := h.repo.CreateSlot(r.Context(), model.Slot{
		DoctorID:  doctorID,
		Date:      clock.FormatDate(date),
		StartTime: startText,
		EndTime:   endText,
		Status:    status,
	})
	if errors.Is(err, storage.ErrSlotConflict) {
		http.Error(w, "slot overlaps an existing slot", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("create slot failed", "doctor_id", doctorID, "err", err)
		http.Error(w, "failed to create slot", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, slot)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func parseDays(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultGenerateDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > maxGenerateDays {
		return 0, false
	}
	return days, true
}

// GenerateAll triggers generation for every doctor with auto scheduling
// enabled. Per-doctor failures are reported inside data.details.
func (h *Handler) GenerateAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days, ok := parseDays(r.URL.Query().Get("days"))
	if !ok {
		httpx.WriteJSON(w, http.StatusBadRequest, envelope{Message: fmt.Sprintf("days must be between 1 and %d", maxGenerateDays)})
		return
	}

	report, err := h.gen.Run(r.Context(), days)
	if err != nil {
		h.logger.Error("generate schedules failed", "run_id", report.RunID, "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, envelope{Message: "schedule generation failed", Data: partial(report)})
		return
	}
	if report.Doctors == 0 {
		httpx.WriteJSON(w, http.StatusOK, envelope{Success: true, Message: "no doctors have auto scheduling enabled", Data: report})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("generated %d slots for %d doctors", report.Generated, report.Doctors),
		Data:    report,
	})
}

// GenerateForDoctor triggers generation for a single doctor from a
// {doctor_id, days} body.
func (h *Handler) GenerateForDoctor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DoctorID int64 `json:"doctor_id"`
		Days     *int  `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, envelope{Message: "invalid json body"})
		return
	}
	days := defaultGenerateDays
	if req.Days != nil {
		days = *req.Days
	}
	if req.DoctorID <= 0 || days < 1 || days > maxGenerateDays {
		httpx.WriteJSON(w, http.StatusBadRequest, envelope{Message: "doctor_id is required and days must be between 1 and 90"})
		return
	}

	report, err := h.gen.RunForDoctor(r.Context(), req.DoctorID, days)
	if errors.Is(err, generation.ErrConfigNotFound) {
		httpx.WriteJSON(w, http.StatusNotFound, envelope{Message: "doctor has no enabled auto schedule config"})
		return
	}
	if err != nil {
		h.logger.Error("generate schedules for doctor failed", "doctor_id", req.DoctorID, "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, envelope{Message: "schedule generation failed", Data: partial(report)})
		return
	}

	data := map[string]any{"doctor_id": req.DoctorID, "generated": report.Generated, "run_id": report.RunID}
	if len(report.Details) == 1 {
		d := report.Details[0]
		if d.Error != "" {
			data["error"] = d.Error
		} else if d.Skipped {
			data["skipped"] = true
		}
		if len(d.FailedDates) > 0 {
			data["failed_dates"] = d.FailedDates
		}
	}
	httpx.WriteJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("generated %d slots for doctor %d", report.Generated, req.DoctorID),
		Data:    data,
	})
}

func partial(r generation.Report) any {
	if r.RunID == "" {
		return nil
	}
	return r
}
