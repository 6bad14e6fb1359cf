package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/pipeline"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// maxPayloadBytes caps submission bodies.
const maxPayloadBytes = 1 << 20

type analysisRequest struct {
	Payload string `json:"payload"`
}

type analysisResponse struct {
	Candidate *model.BillCandidate `json:"candidate,omitempty"`
	Bill      *model.BillRecord    `json:"bill,omitempty"`
	Outcome   pipeline.Outcome     `json:"outcome"`
	EventID   string               `json:"eventId,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleAnalysis accepts one raw payload for processing and reports the
// outcome: a matched candidate with its bill record, an archived-unmatched
// marker, or a silently accepted duplicate.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("app")
	if app == "" {
		writeError(w, http.StatusBadRequest, "missing app parameter")
		return
	}

	channel := model.Channel(r.URL.Query().Get("type"))
	if r.URL.Query().Get("fromAppData") == "true" {
		channel = model.ChannelAppWrite
	}
	if !channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown capture type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// Body is either {"payload": "..."} or a raw structured payload.
	payload := string(body)
	var req analysisRequest
	if err := json.Unmarshal(body, &req); err == nil && req.Payload != "" {
		payload = req.Payload
	}
	if payload == "" {
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	result, err := s.pipeline.ProcessSync(r.Context(), pipeline.SubmitRequest{
		App:     app,
		Channel: channel,
		Payload: payload,
		ForceAI: r.URL.Query().Get("forceAI") == "true",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if result.Outcome == pipeline.OutcomeDuplicate {
		status = http.StatusAccepted
	}
	if result.Outcome == pipeline.OutcomeError {
		writeError(w, http.StatusInternalServerError, "processing failed, event archived for reprocessing")
		return
	}

	writeJSON(w, status, analysisResponse{
		Outcome:   result.Outcome,
		EventID:   result.EventID,
		Candidate: result.Candidate,
		Bill:      result.Bill,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	filter := service.RuleFilter{
		App:     r.URL.Query().Get("app"),
		Channel: model.Channel(r.URL.Query().Get("type")),
		Origin:  model.RuleOrigin(r.URL.Query().Get("creator")),
	}

	rules, err := s.storage.ListRules(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.storage.ListApps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	groups, err := s.storage.ListBillGroups(r.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type groupJSON struct {
		Date      string   `json:"date"`
		GroupID   string   `json:"groupId"`
		MemberIDs []string `json:"memberIds"`
	}
	out := make([]groupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON{
			Date:      g.Date.Format("2006-01-02"),
			GroupID:   g.GroupID,
			MemberIDs: g.MemberIDs,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := s.storage.GetBillByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bill)
}

func (s *Server) handleGetBillChildren(w http.ResponseWriter, r *http.Request) {
	bill, err := s.storage.GetBillByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}

	members, err := s.storage.GetBillsByGroup(r.Context(), bill.GroupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"bills": members})
}

func (s *Server) handleGetBillAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.storage.GetBillAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	const layout = "2006-01-02"

	start := time.Now().AddDate(0, -1, 0)
	end := time.Now().AddDate(0, 0, 1)

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(layout, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start date")
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(layout, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid end date")
		}
		end = t
	}

	return start, end, nil
}

func writeStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, common.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
