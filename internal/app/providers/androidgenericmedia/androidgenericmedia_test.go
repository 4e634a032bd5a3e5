package androidgenericmedia

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/android"
)

// pngHeader is enough of a real PNG signature for http.DetectContentType
// to classify it as image/png.
var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func newTestFilesystem(t *testing.T) *android.Loose {
	t.Helper()
	fsys, err := android.Create("dev1", filepath.Join(t.TempDir(), "dev1"))
	if err != nil {
		t.Fatalf("android.Create: %v", err)
	}
	return fsys
}

func writeMediaFile(t *testing.T, fsys *android.Loose, logicalPath string, data []byte) {
	t.Helper()
	w, err := fsys.CreateFile(logicalPath)
	if err != nil {
		t.Fatalf("CreateFile %s: %v", logicalPath, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write %s: %v", logicalPath, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", logicalPath, err)
	}
}

func TestFromFilesystemAlwaysRecognisesDevice(t *testing.T) {
	fsys := newTestFilesystem(t)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p == nil {
		t.Fatal("want a non-nil provider unconditionally")
	}
}

func TestSearchEventsWithNoSdcardYieldsNothing(t *testing.T) {
	fsys := newTestFilesystem(t)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	out, errs := p.SearchEvents(context.Background(), filter.Events{})
	count := 0
	for range out {
		count++
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if count != 0 {
		t.Fatalf("want 0 events with no /sdcard, got %d", count)
	}
}

func TestSearchEventsClassifiesCameraPhotoAsUserGenerated(t *testing.T) {
	fsys := newTestFilesystem(t)
	writeMediaFile(t, fsys, "/sdcard/DCIM/Camera/IMG_0001.png", pngHeader)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	out, errs := p.SearchEvents(context.Background(), filter.Events{})

	var got []event.MediaEvent
	for ev := range out {
		m, ok := ev.(event.MediaEvent)
		if !ok {
			t.Fatalf("want a MediaEvent, got %T", ev)
		}
		got = append(got, m)
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 media event, got %d", len(got))
	}

	m := got[0]
	if m.Media.MimeType != "image/png" {
		t.Errorf("want image/png, got %s", m.Media.MimeType)
	}
	if m.Base.GenericEventInfo == nil || !m.Base.GenericEventInfo.IsUserGenerated {
		t.Errorf("want camera photo flagged user-generated, got %+v", m.Base.GenericEventInfo)
	}
	if m.Sender == nil || m.Sender.Name.Display != "Unknown" {
		// DCIM/Camera maps to isUserContent true, so syntheticSender falls
		// back to the generic "unknown" contact rather than a provider one.
		t.Errorf("want sender to fall back to the synthetic unknown contact, got %+v", m.Sender)
	}
}

func TestSearchEventsClassifiesNonUserContentDirectory(t *testing.T) {
	fsys := newTestFilesystem(t)
	writeMediaFile(t, fsys, "/sdcard/Android/data/com.hmdglobal.camera2/cache/thumb.png", pngHeader)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	out, errs := p.SearchEvents(context.Background(), filter.Events{})

	var got []event.MediaEvent
	for ev := range out {
		got = append(got, ev.(event.MediaEvent))
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 media event, got %d", len(got))
	}
	if got[0].Base.GenericEventInfo.IsUserGenerated {
		t.Error("want the hmdglobal camera2 cache directory flagged non-user-generated")
	}
	if got[0].Sender == nil || got[0].Sender.ProviderName != "android-com.hmdglobal.camera2" {
		t.Errorf("want sender attributed to the hmdglobal provider, got %+v", got[0].Sender)
	}
}

func TestSearchEventsIgnoresNonMediaFiles(t *testing.T) {
	fsys := newTestFilesystem(t)
	writeMediaFile(t, fsys, "/sdcard/DCIM/Camera/notes.txt", []byte("plain text, not an image"))

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	out, errs := p.SearchEvents(context.Background(), filter.Events{})
	count := 0
	for range out {
		count++
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if count != 0 {
		t.Fatalf("want non-image/video files skipped, got %d events", count)
	}
}

func TestGetMediaReturnsFileHandle(t *testing.T) {
	fsys := newTestFilesystem(t)
	writeMediaFile(t, fsys, "/sdcard/DCIM/Camera/IMG_0002.png", pngHeader)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	// Populate the cache first via SearchEvents so GetMedia's localID is known.
	out, errs := p.SearchEvents(context.Background(), filter.Events{})
	var localID string
	for ev := range out {
		localID = ev.(event.MediaEvent).Media.LocalID
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}

	data, err := p.GetMedia(context.Background(), localID)
	if err != nil {
		t.Fatalf("GetMedia: %v", err)
	}
	defer data.Handle.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(data.Handle); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), pngHeader[:4]) {
		t.Error("want the media handle to stream back the file's real bytes")
	}
}
