package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/StillSource/internal/config"
	"github.com/bryanchriswhite/StillSource/internal/output"
	"github.com/bryanchriswhite/StillSource/internal/registry"
	"github.com/bryanchriswhite/StillSource/internal/worker"
)

func newTestServer(t *testing.T, tr output.Transport) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(t.TempDir(), tr,
		registry.WithIntervals(worker.Intervals{Heartbeat: 10 * time.Millisecond, Fast: time.Millisecond}))
	if err != nil {
		t.Fatal(err)
	}
	cfgMgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(NewServer(reg, cfgMgr, tr).Handler())
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
	})
	return ts, reg
}

func upload(t *testing.T, url, code, name string) *http.Response {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("code", code)
	mw.WriteField("name", name)
	part, err := mw.CreateFormFile("image", "picture.png")
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(part, img); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(url+"/api/images", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func postJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s = %d (%s), want %d",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)), want)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["transport"] != "discard" {
		t.Errorf("health = %v", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestImageLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())

	expectStatus(t, upload(t, ts.URL, "logo", "Logo"), http.StatusCreated)
	expectStatus(t, upload(t, ts.URL, "logo", "Logo again"), http.StatusConflict)
	expectStatus(t, upload(t, ts.URL, "other", ""), http.StatusBadRequest)

	resp, err := http.Get(ts.URL + "/api/images")
	if err != nil {
		t.Fatal(err)
	}
	var images []registry.ImageInfo
	json.NewDecoder(resp.Body).Decode(&images)
	resp.Body.Close()
	if len(images) != 1 || images[0].Code != "logo" || images[0].URL != "/api/images/logo" {
		t.Fatalf("images = %+v", images)
	}

	resp, err = http.Get(ts.URL + "/api/images/logo")
	if err != nil {
		t.Fatal(err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if _, err := png.Decode(resp.Body); err != nil {
		t.Errorf("served file is not a PNG: %v", err)
	}
	resp.Body.Close()

	expectStatus(t, doDelete(t, ts.URL+"/api/images/logo"), http.StatusOK)
	expectStatus(t, doDelete(t, ts.URL+"/api/images/logo"), http.StatusNotFound)

	resp, err = http.Get(ts.URL + "/api/images/logo")
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusNotFound)
}

func TestSenderLifecycle(t *testing.T) {
	tr := output.NewDiscardTransport()
	ts, _ := newTestServer(t, tr)
	expectStatus(t, upload(t, ts.URL, "logo", "Logo"), http.StatusCreated)

	setup := registry.SetupRequest{
		Name:                 "Program",
		SenderCode:           "pgm",
		ImageSourceCode:      "logo",
		FrameRateNumerator:   60,
		FrameRateDenominator: 1,
	}
	expectStatus(t, postJSON(t, ts.URL+"/api/senders", setup), http.StatusOK)

	deadline := time.Now().Add(2 * time.Second)
	for tr.Frames("pgm") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Frames("pgm") == 0 {
		t.Fatal("sender never transmitted")
	}

	resp, err := http.Get(ts.URL + "/api/senders/pgm")
	if err != nil {
		t.Fatal(err)
	}
	var info registry.SenderInfo
	json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if !info.Running || info.ImageName != "Logo" || info.FrameRateNumerator != 60 {
		t.Errorf("sender = %+v", info)
	}

	expectStatus(t, doDelete(t, ts.URL+"/api/images/logo"), http.StatusConflict)
	expectStatus(t, doDelete(t, ts.URL+"/api/senders/pgm"), http.StatusOK)
	expectStatus(t, doDelete(t, ts.URL+"/api/senders/pgm"), http.StatusNotFound)
	expectStatus(t, doDelete(t, ts.URL+"/api/images/logo"), http.StatusOK)
}

func TestSetupSenderErrors(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())

	resp, err := http.Post(ts.URL+"/api/senders", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusBadRequest)

	expectStatus(t, postJSON(t, ts.URL+"/api/senders", registry.SetupRequest{
		Name: "X", SenderCode: "x", ImageSourceCode: "missing",
	}), http.StatusNotFound)

	expectStatus(t, postJSON(t, ts.URL+"/api/senders", registry.SetupRequest{
		Name: "X", SenderCode: "", ImageSourceCode: "missing",
	}), http.StatusBadRequest)
}

func TestCreateSlate(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())

	expectStatus(t, postJSON(t, ts.URL+"/api/images/slate", map[string]interface{}{
		"code": "bars", "name": "Bars", "width": 320, "height": 180,
	}), http.StatusCreated)

	resp, err := http.Get(ts.URL + "/api/images/bars")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	cfg, err := png.DecodeConfig(resp.Body)
	if err != nil {
		t.Fatalf("slate is not a PNG: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 180 {
		t.Errorf("slate size = %dx%d", cfg.Width, cfg.Height)
	}
}

func TestGetConfig(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())

	resp, err := http.Get(ts.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var cfg config.Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ServerPort != 8909 {
		t.Errorf("server_port = %d", cfg.ServerPort)
	}
}

func TestUnknownAPIPath(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())
	resp, err := http.Get(ts.URL + "/api/nothing")
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusNotFound)

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusOK)
}

func TestEventsWebSocket(t *testing.T) {
	ts, _ := newTestServer(t, output.NewDiscardTransport())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snap snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != "snapshot" {
		t.Errorf("first message type = %q", snap.Type)
	}

	expectStatus(t, upload(t, ts.URL, "logo", "Logo"), http.StatusCreated)

	var ev registry.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != registry.EventImageAdded || ev.Code != "logo" {
		t.Errorf("event = %+v", ev)
	}
}

func TestMJPEGStreamRoute(t *testing.T) {
	tr := output.NewMJPEGTransport(output.MJPEGConfig{})
	ts, _ := newTestServer(t, tr)
	expectStatus(t, upload(t, ts.URL, "logo", "Logo"), http.StatusCreated)

	resp, err := http.Get(ts.URL + "/api/senders/ghost/stream")
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusNotFound)

	expectStatus(t, postJSON(t, ts.URL+"/api/senders", registry.SetupRequest{
		Name: "Preview", SenderCode: "pv", ImageSourceCode: "logo",
	}), http.StatusOK)

	// the worker registers its sender asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := tr.Stats("pv"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("MJPEG sender never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/senders/pv/stream", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	head := make([]byte, len("--frame\r\nContent-Type: image/jpeg"))
	if _, err := io.ReadFull(resp.Body, head); err != nil {
		t.Fatalf("read part: %v", err)
	}
	if string(head) != "--frame\r\nContent-Type: image/jpeg" {
		t.Errorf("part header = %q", head)
	}

	stats, err := http.Get(ts.URL + "/api/senders/pv/preview")
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, stats, http.StatusOK)
}
