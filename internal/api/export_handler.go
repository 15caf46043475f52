package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/interfaces"
	"relaychat/internal/service"
)

type ExportHandler struct {
	exports interfaces.ExportService
}

func NewExportHandler(exports interfaces.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// HandleExport godoc
// @Summary      Export conversations
// @Description  Renders one, several or all conversations as json, txt, md or html and returns the file.
// @Tags         Export
// @Accept       json
// @Produce      json,plain,html
// @Param        request  body      service.ExportRequest  true  "Export options"
// @Success      200      {file}    file
// @Failure      400      {object}  ErrorResponse
// @Failure      404      {object}  ErrorResponse
// @Router       /v1/export [post]
func (h *ExportHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	var req service.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}

	file, err := h.exports.Export(r.Context(), &req)
	if err != nil {
		respondWithError(w, err)
		return
	}

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Body); err != nil {
		slog.Error("Failed to write export", "file", file.Name, "error", err)
	}
}
