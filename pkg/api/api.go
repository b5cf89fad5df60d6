package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/store"
)

// API serves read access to the stored messages.
type API struct {
	store *store.Store
}

func NewAPI(st *store.Store) *API {
	return &API{store: st}
}

// Register mounts the handlers on e.
func (a *API) Register(e *echo.Echo) {
	e.GET("/messages", a.HandleGetMessages)
	e.GET("/recent", a.HandleGetRecent)
	e.GET("/cursor", a.HandleGetCursor)
	e.GET("/categories", a.HandleGetCategories)
}

type JSONMessage struct {
	ID        uint64    `json:"id"`
	Category  string    `json:"category"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

type MessagesResponse struct {
	Messages []JSONMessage `json:"messages"`
	Error    string        `json:"error,omitempty"`
}

type CursorResponse struct {
	Cursor string `json:"cursor,omitempty"`
	Error  string `json:"error,omitempty"`
}

type CategoriesResponse struct {
	Categories map[string]int64 `json:"categories"`
	Error      string           `json:"error,omitempty"`
}

func toJSON(c classify.Category, rows []store.Row) []JSONMessage {
	msgs := make([]JSONMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, JSONMessage{
			ID:        r.ID,
			Category:  c.String(),
			Sender:    r.Sender,
			Body:      r.Body,
			MessageID: r.MessageID,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return msgs
}

func parseLimit(param string, def int) (int, error) {
	if param == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(param)
	if err != nil {
		return 0, err
	}
	if limit < 1 {
		limit = def
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit, nil
}

// HandleGetMessages handles the GET /messages endpoint
func (a *API) HandleGetMessages(c echo.Context) error {
	// category - category name (default=chat)
	// sender - exact sender (optional)
	// message_id - source message id (optional)
	// limit - Number of messages to return (default=100)
	resp := MessagesResponse{}

	cat := classify.Chat
	if name := c.QueryParam("category"); name != "" {
		parsed, ok := classify.ParseCategory(name)
		if !ok {
			resp.Error = fmt.Sprintf("invalid category: %s", name)
			return c.JSON(http.StatusBadRequest, resp)
		}
		cat = parsed
	}

	limit, err := parseLimit(c.QueryParam("limit"), 100)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid limit: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}

	rows, err := a.store.Query(c.Request().Context(), store.Filter{
		Category:  cat,
		Sender:    c.QueryParam("sender"),
		MessageID: c.QueryParam("message_id"),
		Limit:     limit,
	})
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Messages = toJSON(cat, rows)
	return c.JSON(http.StatusOK, resp)
}

// HandleGetRecent handles the GET /recent endpoint
func (a *API) HandleGetRecent(c echo.Context) error {
	resp := MessagesResponse{}

	limit, err := parseLimit(c.QueryParam("limit"), 50)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid limit: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}

	rows, err := a.store.Recent(c.Request().Context(), limit)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Messages = toJSON(classify.Chat, rows)
	return c.JSON(http.StatusOK, resp)
}

// HandleGetCursor handles the GET /cursor endpoint
func (a *API) HandleGetCursor(c echo.Context) error {
	cursor, ok, err := a.store.Cursor(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, CursorResponse{Error: err.Error()})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, CursorResponse{Error: "no cursor saved yet"})
	}
	return c.JSON(http.StatusOK, CursorResponse{Cursor: cursor})
}

// HandleGetCategories handles the GET /categories endpoint
func (a *API) HandleGetCategories(c echo.Context) error {
	resp := CategoriesResponse{Categories: make(map[string]int64)}
	for _, cat := range classify.Categories() {
		n, err := a.store.Count(c.Request().Context(), cat)
		if err != nil {
			resp.Error = err.Error()
			return c.JSON(http.StatusInternalServerError, resp)
		}
		resp.Categories[cat.String()] = n
	}
	return c.JSON(http.StatusOK, resp)
}
