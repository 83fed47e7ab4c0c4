package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

// maxUploadSize bounds multipart uploads; phone photos can be large
const maxUploadSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMatchFinalized),
		errors.Is(err, ErrPendingMatchExists),
		errors.Is(err, ErrDuplicateDocument),
		errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrAIUnavailable), errors.Is(err, ErrNothingToMatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrMissingClub),
		errors.Is(err, ErrMissingActor),
		errors.Is(err, ErrInvalidLimit),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidExpense):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs unexpected failures and reports every error as JSON
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "Internal server error", code)
		return
	}
	writeError(w, err.Error(), code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleAIStatus reports whether AI matching is configured
func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.service.AIAvailable()})
}

// handleListTransactions returns the club's transactions
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListTransactions(r.PathValue("club"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleImportTransactions stores a JSON list of statement lines
func (s *Server) handleImportTransactions(w http.ResponseWriter, r *http.Request) {
	var txs []*Transaction
	if !decodeBody(w, r, &txs) {
		return
	}
	count, err := s.service.ImportTransactions(r.PathValue("club"), txs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"imported": count})
}

// handleListExpenses returns the club's expenses
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListExpenses(r.PathValue("club"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateExpense creates an expense from JSON
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var e Expense
	if !decodeBody(w, r, &e) {
		return
	}
	created, err := s.service.CreateExpense(r.PathValue("club"), &e)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetExpenseDocument returns one stored justification of an expense
func (s *Server) handleGetExpenseDocument(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, "Invalid document index", http.StatusBadRequest)
		return
	}
	doc, data, err := s.service.GetExpenseDocument(r.PathValue("club"), r.PathValue("id"), index)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	setCORSHeaders(w)
	contentType := doc.ContentType
	if contentType == "" {
		contentType = detectContentType(doc.Filename)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// readUpload reads one multipart file into an UploadedFile
func readUpload(f multipart.File, header *multipart.FileHeader) (UploadedFile, error) {
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return UploadedFile{}, err
	}
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detectContentType(header.Filename)
	}
	return UploadedFile{Filename: header.Filename, ContentType: contentType, Data: data}, nil
}

// detectContentType guesses from the extension; phones often omit the type
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

func parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		if strings.Contains(err.Error(), "request body too large") {
			msg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, msg, http.StatusBadRequest)
		return false
	}
	return true
}

// handleAnalyzeDocuments flags duplicates among the uploaded files
func (s *Server) handleAnalyzeDocuments(w http.ResponseWriter, r *http.Request) {
	if !parseUploadForm(w, r) {
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, "No files provided", http.StatusBadRequest)
		return
	}

	files := make([]UploadedFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, "Error reading file", http.StatusBadRequest)
			return
		}
		file, err := readUpload(f, header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeError(w, "Error reading file", http.StatusInternalServerError)
			return
		}
		files = append(files, file)
	}

	analysis, err := s.service.AnalyzeDocuments(r.PathValue("club"), files)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handleImportDocument creates a draft expense from one uploaded document
func (s *Server) handleImportDocument(w http.ResponseWriter, r *http.Request) {
	if !parseUploadForm(w, r) {
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "No file provided", http.StatusBadRequest)
		return
	}
	file, err := readUpload(f, header)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file", http.StatusInternalServerError)
		return
	}
	force, _ := strconv.ParseBool(r.FormValue("force"))

	result, err := s.service.ImportDocument(r.Context(), r.PathValue("club"), file, force)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleSequencePrePass links expenses whose documents name a statement line
func (s *Server) handleSequencePrePass(w http.ResponseWriter, r *http.Request) {
	links, err := s.service.SequencePrePass(r.PathValue("club"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked": links})
}

// handleBatchMatching runs the deterministic matcher
func (s *Server) handleBatchMatching(w http.ResponseWriter, r *http.Request) {
	autoLink := false
	if v := r.URL.Query().Get("autolink"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "autolink must be true or false", http.StatusBadRequest)
			return
		}
		autoLink = parsed
	}

	result, err := s.service.PerformBatchMatching(r.PathValue("club"), autoLink)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"summary": result.Summary(),
	})
}

// handleAIMatching runs the deterministic pass then the AI pass
func (s *Server) handleAIMatching(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	clubID := r.PathValue("club")
	progress := func(current, total int, message string) {
		slog.Debug("ai matching progress", "club", clubID, "current", current, "total", total, "message", message)
	}

	result, err := s.service.RunHybrid(r.Context(), clubID, actor(r), req.Limit, progress)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListMatches returns AI matches, optionally filtered by ?status=
func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.service.ListMatches(r.PathValue("club"), r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleMatchStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.MatchStats(r.PathValue("club"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	match, err := s.service.GetMatch(r.PathValue("club"), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// handleValidateMatch accepts an AI proposal and links its pair
func (s *Server) handleValidateMatch(w http.ResponseWriter, r *http.Request) {
	match, err := s.service.ValidateAIMatch(r.PathValue("club"), r.PathValue("id"), actor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (s *Server) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	match, err := s.service.RejectAIMatch(r.PathValue("club"), r.PathValue("id"), actor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// handleReassignMatch rejects an AI proposal and links its expense to another transaction
func (s *Server) handleReassignMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TransactionID == "" {
		writeError(w, "transaction_id is required", http.StatusBadRequest)
		return
	}
	match, err := s.service.ReassignAIMatch(r.PathValue("club"), r.PathValue("id"), req.TransactionID, actor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

type linkRequest struct {
	TransactionID string `json:"transaction_id"`
	ExpenseID     string `json:"expense_id"`
}

func decodeLink(w http.ResponseWriter, r *http.Request) (linkRequest, bool) {
	var req linkRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if req.TransactionID == "" || req.ExpenseID == "" {
		writeError(w, "transaction_id and expense_id are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLink(w, r)
	if !ok {
		return
	}
	if err := s.service.LinkManually(r.PathValue("club"), req.TransactionID, req.ExpenseID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLink(w, r)
	if !ok {
		return
	}
	if err := s.service.Unlink(r.PathValue("club"), req.TransactionID, req.ExpenseID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.Categories(r.PathValue("club"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

// handleSaveCatalog replaces the club's categories
func (s *Server) handleSaveCatalog(w http.ResponseWriter, r *http.Request) {
	var categories []Category
	if !decodeBody(w, r, &categories) {
		return
	}
	if err := s.service.SaveCategories(r.PathValue("club"), categories); err != nil {
		writeServiceError(w, r, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.ReloadCatalog(r.PathValue("club"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}
