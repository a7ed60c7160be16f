package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"medlabel/internal/pipeline"
)

func testFrame(t *testing.T) *pipeline.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return &pipeline.Frame{Image: img, Seq: 7, Timestamp: time.Now()}
}

func TestYOLODetectorDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/detect":
			assert.Equal(t, "label-v1", r.URL.Query().Get("model"))
			assert.Equal(t, "cuda", r.URL.Query().Get("device"))
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "0.400", r.FormValue("conf_threshold"))
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.NotEmpty(t, data)

			json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"bbox": []float32{1, 2, 30, 20}, "class_id": 0, "class": "label", "confidence": 0.9},
				},
				"inference_time_ms": 12.5,
			})
		case "/health":
			json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "model_loaded": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewYOLODetector(YOLOConfig{Endpoint: srv.URL + "/", Model: "label-v1", Processor: pipeline.ProcessorGPU})
	defer d.Close()

	dets, err := d.Detect(context.Background(), testFrame(t), 0.4, 0.5)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, pipeline.BBox{X1: 1, Y1: 2, X2: 30, Y2: 20}, dets[0].BBox)
	assert.Equal(t, "label", dets[0].Class)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)

	assert.True(t, d.IsHealthy())
	assert.Equal(t, "yolo-http:label-v1", d.Name())
}

func TestYOLODetectorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{{"bbox": []float32{1, 2}}},
		})
	}))
	defer srv.Close()

	d := NewYOLODetector(YOLOConfig{Endpoint: srv.URL, Model: "m"})
	_, err := d.Detect(context.Background(), testFrame(t), 0.4, 0.5)
	assert.ErrorContains(t, err, "malformed bbox")
	assert.False(t, d.IsHealthy())

	_, err = d.Detect(context.Background(), &pipeline.Frame{}, 0.4, 0.5)
	assert.Error(t, err)
}

func TestHTTPRecognizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recognize", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "LANDSCAPE", r.FormValue("orientation"))
		assert.Equal(t, "ocr-v2", r.FormValue("model"))
		assert.Equal(t, "cpu", r.FormValue("device"))
		_, _, err := r.FormFile("image")
		require.NoError(t, err)

		json.NewEncoder(w).Encode(map[string]any{
			"lines": []map[string]any{
				{"text": "LOT A123", "confidence": 0.93, "bbox": []float32{0, 0, 10, 4}},
				{"text": "EXP 2026-05", "confidence": 0.88},
			},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := NewHTTPRecognizer(RecognizerConfig{
		Endpoint:  srv.URL,
		Model:     "ocr-v2",
		Processor: pipeline.ProcessorCPU,
		Artifacts: NewArtifactStore(dir),
	})
	r.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 8000, time.UTC) }

	res, err := r.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 20, 10)), pipeline.OrientationLandscape)
	require.NoError(t, err)
	assert.Equal(t, "LOT A123\nEXP 2026-05", res.Text)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, float32(10), res.Lines[0].BBox.X2)

	want := filepath.Join(dir, "ocr", "2026", "03", "04", "05", "ocr_frame_1772600767_000008.jpg")
	assert.Equal(t, want, res.ArtifactRef)
	_, err = os.Stat(want)
	assert.NoError(t, err)
}

func TestHTTPRecognizerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPRecognizer(RecognizerConfig{Endpoint: srv.URL})
	_, err := r.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), pipeline.OrientationPortrait)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestArtifactStoreNilIsNoop(t *testing.T) {
	s := NewArtifactStore("")
	path, err := s.Save([]byte{1}, time.Now())
	assert.NoError(t, err)
	assert.Empty(t, path)
}

type fakeDetectionServer struct {
	lastRequest map[string]any
}

func unaryStruct(call func(s *fakeDetectionServer, in *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(srv.(*fakeDetectionServer), in)
	}
}

var detectionServiceDesc = grpc.ServiceDesc{
	ServiceName: "detection.v1.DetectionService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Detect",
			Handler: unaryStruct(func(s *fakeDetectionServer, in *structpb.Struct) (*structpb.Struct, error) {
				s.lastRequest = in.AsMap()
				return structpb.NewStruct(map[string]any{
					"detections": []any{
						map[string]any{"bbox": []any{4.0, 5.0, 20.0, 18.0}, "class_id": 1.0, "class": "label", "confidence": 0.75},
					},
				})
			}),
		},
		{
			MethodName: "HealthCheck",
			Handler: unaryStruct(func(s *fakeDetectionServer, in *structpb.Struct) (*structpb.Struct, error) {
				return structpb.NewStruct(map[string]any{"status": "healthy", "model_loaded": true})
			}),
		},
	},
}

func TestGRPCDetector(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	fake := &fakeDetectionServer{}
	server.RegisterService(&detectionServiceDesc, fake)
	go server.Serve(lis)
	defer server.Stop()

	d, err := NewGRPCDetector(GRPCDetectorConfig{
		Endpoint:  "passthrough:///bufnet",
		Model:     "label-v1",
		Processor: pipeline.ProcessorCPU,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	defer d.Close()

	frame := testFrame(t)
	dets, err := d.Detect(context.Background(), frame, 0.25, 0.45)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
	assert.Equal(t, pipeline.BBox{X1: 4, Y1: 5, X2: 20, Y2: 18}, dets[0].BBox)

	assert.Equal(t, "label-v1", fake.lastRequest["model"])
	assert.Equal(t, "cpu", fake.lastRequest["device"])
	assert.Equal(t, 7.0, fake.lastRequest["frame_seq"])
	raw, err := base64.StdEncoding.DecodeString(fake.lastRequest["image"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, raw[:2])

	assert.True(t, d.IsHealthy())
}

func TestFrameJPEGPrefersEncodedData(t *testing.T) {
	data, err := frameJPEG(&pipeline.Frame{Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	data, err = frameJPEG(&pipeline.Frame{Image: img})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
