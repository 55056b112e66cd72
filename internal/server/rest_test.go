package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
)

const restContentType = "application/json"

func authorizedRequest(t *testing.T, method, url string, body []byte, subject string) *http.Response {
	t.Helper()
	var request *http.Request
	var err error
	if body == nil {
		request, err = http.NewRequest(method, url, nil)
	} else {
		request, err = http.NewRequest(method, url, bytes.NewReader(body))
	}
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if subject != "" {
		request.Header.Set("Authorization", "Bearer token-"+subject)
	}
	request.Header.Set("Content-Type", restContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func TestBoardLifecycleOverREST(t *testing.T) {
	harness := newTestHarness(t)
	base := harness.server.URL

	createBody, _ := json.Marshal(map[string]string{"name": "Sprint Retro"})
	createResp := authorizedRequest(t, http.MethodPost, base+"/api/boards", createBody, "user-1")
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", createResp.StatusCode)
	}
	var created struct {
		RoomID string `json:"roomId"`
		Board  struct {
			Name string `json:"name"`
			Code string `json:"code"`
		} `json:"board"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create failed: %v", err)
	}
	if created.Board.Name != "Sprint Retro" || len(created.Board.Code) != 6 {
		t.Fatalf("unexpected board payload: %#v", created)
	}

	listResp := authorizedRequest(t, http.MethodGet, base+"/api/boards", nil, "user-1")
	defer listResp.Body.Close()
	var listed struct {
		Boards []struct {
			RoomID string `json:"roomId"`
		} `json:"boards"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if len(listed.Boards) != 1 || listed.Boards[0].RoomID != created.RoomID {
		t.Fatalf("unexpected board list: %#v", listed)
	}

	codeResp := authorizedRequest(t, http.MethodGet, base+"/api/boards/code/"+created.Board.Code, nil, "")
	defer codeResp.Body.Close()
	if codeResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected code lookup status: %d", codeResp.StatusCode)
	}
	var resolved struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(codeResp.Body).Decode(&resolved); err != nil {
		t.Fatalf("decode code lookup failed: %v", err)
	}
	if resolved.RoomID != created.RoomID {
		t.Fatalf("code resolved to wrong room: %s", resolved.RoomID)
	}

	deleteResp := authorizedRequest(t, http.MethodDelete, base+"/api/boards/"+created.RoomID, nil, "user-1")
	defer deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected delete status: %d", deleteResp.StatusCode)
	}
	if _, found, err := harness.store.FindRoom(context.Background(), board.RoomKey(created.RoomID)); err != nil || found {
		t.Fatalf("expected board deleted (found=%v err=%v)", found, err)
	}
}

func TestBoardEndpointsRejectMissingToken(t *testing.T) {
	harness := newTestHarness(t)
	response := authorizedRequest(t, http.MethodPost, harness.server.URL+"/api/boards", []byte(`{"name":"x"}`), "")
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status without token: %d", response.StatusCode)
	}
}

func TestDeleteBoardForbiddenForNonOwner(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	key, _ := board.NewRoomKey("owned-board")
	if _, err := harness.store.EnsureRoom(ctx, key, "owner-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	response := authorizedRequest(t, http.MethodDelete, harness.server.URL+"/api/boards/owned-board", nil, "intruder")
	defer response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status for non-owner delete: %d", response.StatusCode)
	}
}

func TestImageCollectionOverREST(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	key, _ := board.NewRoomKey("image-board")
	if _, err := harness.store.EnsureRoom(ctx, key, "owner-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	base := harness.server.URL

	saveBody, _ := json.Marshal(map[string]interface{}{
		"imageData": "data:image/png;base64,AA==",
		"position":  map[string]float64{"x": 10, "y": 20},
		"size":      map[string]float64{"width": 200, "height": 100},
		"timestamp": 99,
	})
	saveResp := authorizedRequest(t, http.MethodPost, base+"/api/boards/image-board/images", saveBody, "")
	defer saveResp.Body.Close()
	if saveResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected save status: %d", saveResp.StatusCode)
	}

	listResp := authorizedRequest(t, http.MethodGet, base+"/api/boards/image-board/images", nil, "")
	defer listResp.Body.Close()
	var listed struct {
		Images []struct {
			Data     string      `json:"data"`
			Position board.Point `json:"position"`
		} `json:"images"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if len(listed.Images) != 1 || listed.Images[0].Position.X != 10 {
		t.Fatalf("unexpected image list: %#v", listed)
	}

	clearResp := authorizedRequest(t, http.MethodDelete, base+"/api/boards/image-board/images", nil, "")
	defer clearResp.Body.Close()
	if clearResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected clear status: %d", clearResp.StatusCode)
	}
	images, err := harness.store.ListImages(ctx, key)
	if err != nil || len(images) != 0 {
		t.Fatalf("expected empty image collection (len=%d err=%v)", len(images), err)
	}
}

func TestSaveImageToUnknownBoardIs404(t *testing.T) {
	harness := newTestHarness(t)
	saveBody := []byte(`{"imageData":"data:image/png;base64,AA=="}`)
	response := authorizedRequest(t, http.MethodPost, harness.server.URL+"/api/boards/ghost/images", saveBody, "")
	defer response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
}
