package http

import (
	"net/http"

	"github.com/fyrsmithlabs/ragchat/internal/chat"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus reports dependency health and the index size.
func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Services: map[string]string{},
	}
	if s.services.Database != nil {
		if err := s.services.Database.Ping(c.Request().Context()); err != nil {
			s.logger.Warn("database ping failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Services["database"] = "error"
		} else {
			resp.Services["database"] = "ok"
		}
	}
	if s.services.Index != nil {
		resp.Services["index"] = "ok"
		resp.Counts.Chunks = s.services.Index.Len()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChat(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid chat request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.services.Chat.Process(c.Request().Context(), req)
	if err != nil {
		return s.fail("chat completion failed", err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListConversations(c echo.Context) error {
	list, err := s.services.Chat.List(c.Request().Context(), c.QueryParam("nickname"))
	if err != nil {
		return s.fail("listing conversations failed", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetConversation(c echo.Context) error {
	th, err := s.services.Chat.Thread(c.Request().Context(), c.Param("id"), c.QueryParam("nickname"))
	if err != nil {
		return s.fail("reading conversation failed", err)
	}
	return c.JSON(http.StatusOK, th)
}

func (s *Server) handleUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return s.fail("opening upload failed", err)
	}
	defer f.Close()

	res, err := s.services.Documents.IngestUpload(c.Request().Context(), fh.Filename, fh.Size, f)
	if err != nil {
		return s.fail("document upload failed", err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleIngest(c echo.Context) error {
	results, err := s.services.Documents.IngestExisting(c.Request().Context())
	if err != nil {
		return s.fail("document ingestion failed", err)
	}
	return c.JSON(http.StatusAccepted, results)
}

// fail logs server-side failures and converts err for the client.
func (s *Server) fail(msg string, err error) error {
	he := toHTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Int("status", he.Code), zap.Error(err))
	}
	return he
}
