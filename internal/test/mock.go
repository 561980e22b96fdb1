// Mock methods required in Trophonius tests are all here.

package test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// One connect/disconnect report received by the mock Directory Service.
type DirectoryEvent struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// One recorded dispatch received by the mock Directory Service.
type DispatchRecord struct {
	To        []string `json:"to"`
	DeviceIDs []string `json:"device_ids"`
	Store     bool     `json:"store"`
}

// MockDirectory stands in for the external Directory Service during tests.
// Tokens maps accepted auth tokens to the recipient id they resolve to,
// every other token is rejected. All reports are recorded for assertions.
type MockDirectory struct {
	URL    string
	server *httptest.Server

	mu          sync.Mutex
	tokens      map[string]string
	connects    []DirectoryEvent
	disconnects []DirectoryEvent
	dispatches  []DispatchRecord
}

// Spins up a mock Directory Service on a local httptest server.
// Caller must Close() it once done.
func NewMockDirectory(tokens map[string]string) *MockDirectory {
	md := &MockDirectory{tokens: tokens}

	gin.SetMode(gin.TestMode)
	router := gin.New()

	router.GET("/self", func(gctx *gin.Context) {
		token := strings.TrimPrefix(gctx.GetHeader("Authorization"), "Bearer ")
		md.mu.Lock()
		userID, ok := md.tokens[token]
		md.mu.Unlock()
		if !ok {
			gctx.JSON(http.StatusForbidden, gin.H{"success": false, "error": "handshake failed"})
			return
		}
		gctx.JSON(http.StatusOK, gin.H{"success": true, "_id": userID})
	})
	router.POST("/user/connect", func(gctx *gin.Context) {
		var event DirectoryEvent
		if binderr := gctx.BindJSON(&event); binderr != nil {
			return
		}
		md.mu.Lock()
		md.connects = append(md.connects, event)
		md.mu.Unlock()
		gctx.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.POST("/user/disconnect", func(gctx *gin.Context) {
		var event DirectoryEvent
		if binderr := gctx.BindJSON(&event); binderr != nil {
			return
		}
		md.mu.Lock()
		md.disconnects = append(md.disconnects, event)
		md.mu.Unlock()
		gctx.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.POST("/notification/record", func(gctx *gin.Context) {
		var record DispatchRecord
		if binderr := gctx.BindJSON(&record); binderr != nil {
			return
		}
		md.mu.Lock()
		md.dispatches = append(md.dispatches, record)
		md.mu.Unlock()
		gctx.JSON(http.StatusOK, gin.H{"success": true})
	})

	md.server = httptest.NewServer(router)
	md.URL = md.server.URL
	return md
}

func (md *MockDirectory) Close() {
	md.server.Close()
}

// Connects returns a copy of every connect report received so far.
func (md *MockDirectory) Connects() []DirectoryEvent {
	md.mu.Lock()
	defer md.mu.Unlock()
	return append([]DirectoryEvent{}, md.connects...)
}

// Disconnects returns a copy of every disconnect report received so far.
func (md *MockDirectory) Disconnects() []DirectoryEvent {
	md.mu.Lock()
	defer md.mu.Unlock()
	return append([]DirectoryEvent{}, md.disconnects...)
}

// Dispatches returns a copy of every recorded dispatch received so far.
func (md *MockDirectory) Dispatches() []DispatchRecord {
	md.mu.Lock()
	defer md.mu.Unlock()
	return append([]DispatchRecord{}, md.dispatches...)
}
