package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collaboard/internal/access"
	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"github.com/MarcoPoloResearchLab/collaboard/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "collaboard_user_id"

var (
	errMissingStore         = errors.New("board store dependency required")
	errMissingRegistry      = errors.New("session registry dependency required")
	errMissingGate          = errors.New("access gate dependency required")
	errMissingHub           = errors.New("broadcast hub dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Registry is the session-registry surface the realtime handlers need.
type Registry interface {
	Join(roomKey, connectionID, participantID, displayName string) (registry.Session, string)
	Leave(roomKey, connectionID string) (registry.Session, bool)
	Lookup(roomKey, connectionID string) (registry.Session, bool)
	Members(roomKey string) []registry.Session
	MemberCount(roomKey string) int
}

// TokenManager guards the board REST boundary.
type TokenManager interface {
	IssueToken(subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Store        *board.Store
	Registry     Registry
	Gate         *access.Gate
	Hub          *Hub
	TokenManager TokenManager
	Logger       *zap.Logger
	NowMilli     func() int64
}

// NewHTTPHandler builds the gin router: the websocket endpoint plus the REST
// boundary for board records and the image collection.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nowMilli := deps.NowMilli
	if nowMilli == nil {
		nowMilli = func() int64 { return time.Now().UnixMilli() }
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	realtime := &realtimeHandler{
		store:    deps.Store,
		registry: deps.Registry,
		gate:     deps.Gate,
		hub:      deps.Hub,
		logger:   logger,
		nowMilli: nowMilli,
	}
	rest := &restHandler{
		store:  deps.Store,
		tokens: deps.TokenManager,
		logger: logger,
	}

	router.GET("/ws", realtime.handleWebsocket)

	router.GET("/api/boards/code/:code", rest.handleFindByCode)
	router.GET("/api/boards/:roomId", rest.handleGetBoard)
	router.GET("/api/boards/:roomId/images", rest.handleListImages)
	router.POST("/api/boards/:roomId/images", rest.handleSaveImage)
	router.DELETE("/api/boards/:roomId/images", rest.handleClearImages)

	protected := router.Group("/")
	protected.Use(rest.authorizeRequest)
	protected.POST("/api/boards", rest.handleCreateBoard)
	protected.GET("/api/boards", rest.handleListBoards)
	protected.DELETE("/api/boards/:roomId", rest.handleDeleteBoard)

	return router, nil
}

type restHandler struct {
	store  *board.Store
	tokens TokenManager
	logger *zap.Logger
}

type boardPayload struct {
	RoomID              string `json:"roomId"`
	Name                string `json:"name"`
	OwnerID             string `json:"ownerId"`
	Code                string `json:"code"`
	IsPasswordProtected bool   `json:"isPasswordProtected"`
}

func boardToPayload(record board.RoomRecord) boardPayload {
	return boardPayload{
		RoomID:              record.RoomKey,
		Name:                record.Name,
		OwnerID:             record.OwnerID,
		Code:                board.RoomCode(record.RoomKey),
		IsPasswordProtected: record.IsPasswordProtected,
	}
}

// handleGetBoard exposes the ownership/name lookup used by external
// consumers of the access gate. The password itself never leaves the store.
func (h *restHandler) handleGetBoard(c *gin.Context) {
	key, err := board.NewRoomKey(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	record, found, err := h.store.FindRoom(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "board_not_found"})
		return
	}
	c.JSON(http.StatusOK, boardToPayload(record))
}

func (h *restHandler) handleFindByCode(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if !isSixDigitCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_code"})
		return
	}
	record, found, err := h.store.FindRoomByCode(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "board_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": record.RoomKey, "name": record.Name})
}

func isSixDigitCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type imagePayload struct {
	ImageData string      `json:"imageData"`
	Position  board.Point `json:"position"`
	Size      struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"size"`
	Timestamp int64 `json:"timestamp"`
}

func (h *restHandler) handleListImages(c *gin.Context) {
	key, err := board.NewRoomKey(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	placements, err := h.store.ListImages(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	images := make([]gin.H, 0, len(placements))
	for _, placement := range placements {
		images = append(images, gin.H{
			"data":      placement.Ref,
			"position":  placement.Position,
			"size":      gin.H{"width": placement.Width, "height": placement.Height},
			"timestamp": placement.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

func (h *restHandler) handleSaveImage(c *gin.Context) {
	key, err := board.NewRoomKey(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	var request imagePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ImageData == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	_, found, err := h.store.FindRoom(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "board_not_found"})
		return
	}
	timestamp := request.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	placement := board.ImagePlacement{
		Ref:       request.ImageData,
		Position:  request.Position,
		Width:     request.Size.Width,
		Height:    request.Size.Height,
		Timestamp: timestamp,
	}
	if err := h.store.AppendImage(c.Request.Context(), key, placement); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Image saved successfully"})
}

func (h *restHandler) handleClearImages(c *gin.Context) {
	key, err := board.NewRoomKey(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	if err := h.store.ClearImages(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Images cleared successfully"})
}

type createBoardPayload struct {
	Name string `json:"name"`
}

func (h *restHandler) handleCreateBoard(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createBoardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.store.CreateRoom(c.Request.Context(), request.Name, userID)
	if err != nil {
		h.logger.Error("board creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Board created successfully",
		"board":   boardToPayload(record),
		"roomId":  record.RoomKey,
	})
}

func (h *restHandler) handleListBoards(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	records, err := h.store.ListRoomsByOwner(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	boards := make([]boardPayload, 0, len(records))
	for _, record := range records {
		boards = append(boards, boardToPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"boards": boards})
}

func (h *restHandler) handleDeleteBoard(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	key, err := board.NewRoomKey(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	record, found, err := h.store.FindRoom(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "board_not_found"})
		return
	}
	if record.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_board_owner"})
		return
	}
	if err := h.store.DeleteRoom(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Board deleted successfully"})
}

func (h *restHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
