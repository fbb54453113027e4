package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/canonical"
	"github.com/Spok95/school-ledger/internal/ctxutil"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/export"
	"github.com/Spok95/school-ledger/internal/issue"
	"github.com/Spok95/school-ledger/internal/models"
	"github.com/Spok95/school-ledger/internal/observability"
	"github.com/Spok95/school-ledger/internal/verify"
)

type api struct {
	db       *sql.DB
	anchors  *anchor.Manager
	verifier *verify.Service
	issuer   *issue.Issuer
	log      *zap.SugaredLogger
}

// GET /api/verify/{number} — единственная операция, открытая анонимным
// вызовам. Несовпадение хеша — это 200 с integrity_verified=false, не ошибка.
func (a *api) handleVerify(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	verifier := r.URL.Query().Get("verifier")

	res, err := a.verifier.Verify(r.Context(), number, verifier)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "certificate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"certificate":         certJSON(res.Certificate),
		"verification_record": res.Record,
		"integrity_verified":  res.IntegrityVerified,
	})
}

// GET /api/verify/{number}/history — журнал проверок (для админки).
func (a *api) handleVerifyHistory(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := a.verifier.History(r.Context(), number, limit)
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verifications": recs})
}

type anchorRequest struct {
	RecordType string `json:"record_type"`
	RecordID   int64  `json:"record_id"`
	Initiator  string `json:"initiator"`
}

// POST /api/anchor — заякорить запись. Полезная нагрузка берётся из хранилища
// по (type, id): якорим ровно то, что лежит в таблице, а не байты клиента.
func (a *api) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	rt, err := models.ParseRecordType(req.RecordType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload canonical.Payload
	switch rt {
	case models.RecordGrade:
		dbCtx, cancel := ctxutil.WithDBTimeout(r.Context())
		g, err := db.GetGradeByID(dbCtx, a.db, req.RecordID)
		cancel()
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "grade not found", http.StatusNotFound)
			return
		}
		if err != nil {
			a.serverError(r.Context(), w, err)
			return
		}
		payload = canonical.GradePayloadFrom(*g)
	case models.RecordCertificate:
		dbCtx, cancel := ctxutil.WithDBTimeout(r.Context())
		c, err := db.GetCertificateByID(dbCtx, a.db, req.RecordID)
		cancel()
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "certificate not found", http.StatusNotFound)
			return
		}
		if err != nil {
			a.serverError(r.Context(), w, err)
			return
		}
		payload = canonical.CertificatePayloadFrom(*c)
	}

	ctx := ctxutil.WithInitiator(ctxutil.WithOp(r.Context(), "anchor"), req.Initiator)
	tx, err := a.anchors.Anchor(ctx, anchor.AnchorRequest{
		RecordType: rt,
		RecordID:   req.RecordID,
		Payload:    payload,
		Initiator:  req.Initiator,
	})
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	var serr *models.SubmissionError
	if errors.As(err, &serr) {
		// транзакция создана и failed; отдаём её вместе с причиной
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"transaction": txJSON(*tx),
			"error":       serr.Error(),
		})
		return
	}
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": txJSON(*tx)})
}

type issueRequest struct {
	Title      string  `json:"title"`
	Type       string  `json:"type"`
	StudentID  int64   `json:"student_id"`
	IssuedBy   string  `json:"issued_by"`
	DateIssued string  `json:"date_issued"` // YYYY-MM-DD
	Metadata   *string `json:"metadata"`
}

// POST /api/certificates — выдача сертификата с якорением.
func (a *api) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", req.DateIssued)
	if err != nil {
		http.Error(w, "bad date_issued: "+err.Error(), http.StatusBadRequest)
		return
	}

	cert, err := a.issuer.Issue(r.Context(), issue.IssueRequest{
		Title:      req.Title,
		Type:       models.CertificateType(req.Type),
		StudentID:  req.StudentID,
		IssuedBy:   req.IssuedBy,
		DateIssued: date,
		Metadata:   req.Metadata,
	})
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	if errors.Is(err, models.ErrGenerationExhausted) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, certJSON(*cert))
}

// GET /api/transactions?status=&type=&limit= — read-only аудит.
func (a *api) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := txFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dbCtx, cancel := ctxutil.WithDBTimeout(r.Context())
	txs, err := db.ListTransactions(dbCtx, a.db, f)
	cancel()
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		out = append(out, txJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// GET /api/transactions/{id}
func (a *api) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	dbCtx, cancel := ctxutil.WithDBTimeout(r.Context())
	t, err := db.GetTransactionByID(dbCtx, a.db, id)
	cancel()
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, txJSON(*t))
}

type resubmitRequest struct {
	RecordType string `json:"record_type"`
	RecordID   int64  `json:"record_id"`
	Initiator  string `json:"initiator"`
}

// POST /api/transactions/resubmit — явная повторная попытка якорения.
func (a *api) handleResubmit(w http.ResponseWriter, r *http.Request) {
	var req resubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	rt, err := models.ParseRecordType(req.RecordType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tx, err := a.anchors.Resubmit(r.Context(), rt, req.RecordID, req.Initiator)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "no transactions for record", http.StatusNotFound)
		return
	}
	if errors.Is(err, models.ErrAttemptsExhausted) || errors.Is(err, models.ErrResubmitRefused) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	var serr *models.SubmissionError
	if errors.As(err, &serr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"transaction": txJSON(*tx),
			"error":       serr.Error(),
		})
		return
	}
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": txJSON(*tx)})
}

// GET /api/transactions/export — журнал транзакций в xlsx для админки.
func (a *api) handleExportTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := txFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Limit <= 0 {
		f.Limit = 10000
	}
	dbCtx, cancel := ctxutil.WithDBTimeout(r.Context())
	txs, err := db.ListTransactions(dbCtx, a.db, f)
	cancel()
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	wb, err := export.NewTransactionsWorkbook(txs)
	if err != nil {
		a.serverError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions_`+time.Now().Format("2006-01-02")+`.xlsx"`)
	if err := wb.File.Write(w); err != nil {
		a.log.Errorw("не удалось отдать экспорт", "err", err)
	}
}

func txFilterFromQuery(r *http.Request) (db.TxFilter, error) {
	var f db.TxFilter
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.TxStatus(s)
		switch st {
		case models.TxPending, models.TxConfirmed, models.TxFailed:
			f.Status = &st
		default:
			return f, errors.New("bad status " + s)
		}
	}
	if s := r.URL.Query().Get("type"); s != "" {
		rt, err := models.ParseRecordType(s)
		if err != nil {
			return f, err
		}
		f.RecordType = &rt
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, errors.New("bad limit")
		}
		f.Limit = n
	}
	return f, nil
}

func txJSON(t models.Transaction) map[string]any {
	return map[string]any{
		"id":                  t.ID,
		"record_type":         t.RecordType,
		"record_id":           t.RecordID,
		"content_hash":        t.ContentHash,
		"status":              t.Status,
		"external_ref":        t.ExternalRef,
		"initiator":           t.Initiator,
		"attempt":             t.Attempt,
		"failure_reason":      t.FailureReason,
		"submitted_at":        t.SubmittedAt,
		"confirmed_at":        t.ConfirmedAt,
		"processing_duration": t.ProcessingDuration(),
	}
}

func certJSON(c models.Certificate) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"number":        c.Number,
		"title":         c.Title,
		"type":          c.Type,
		"student_id":    c.StudentID,
		"issued_by":     c.IssuedBy,
		"date_issued":   c.DateIssued.UTC().Format("2006-01-02"),
		"metadata":      c.Metadata,
		"anchored_hash": c.AnchoredHash,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) serverError(ctx context.Context, w http.ResponseWriter, err error) {
	observability.CaptureErrCtx(ctx, err)
	a.log.Errorw("внутренняя ошибка API", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
