package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/voxlane/voxlane/pkg/gateway/apierror"
	"github.com/voxlane/voxlane/pkg/gateway/mw"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

// AudioHandler accepts one recorded user utterance for a session, either
// as a multipart "file" field or as a raw request body. The recording is
// queued for transcription; like /v1/respond, a session mid-step rejects
// the upload with 412 instead of queueing it.
type AudioHandler struct {
	Deps
}

func (h AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.InvalidRequest("method not allowed", ""), reqID)
		return
	}

	sess, err := h.sessionFor(r)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	audio, filename, err := readRecording(w, r, h.Config.MaxBodyBytes)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	if !sess.Accepting() {
		h.Metrics.RecordError("gate")
		apierror.Write(w, apierror.NotAccepting("session is not accepting input"), reqID)
		return
	}
	if !sess.Input.Put(protocol.ClientAudioUpload{Data: audio, Filename: filename}) {
		apierror.Write(w, apierror.NotFound("session is closed"), reqID)
		return
	}
	sess.Touch()
	h.Metrics.RecordAudio("in", len(audio))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func readRecording(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", apierror.InvalidRequest("multipart field 'file' is required", "file")
		}
		defer file.Close()
		audio, err := io.ReadAll(file)
		if err != nil {
			return nil, "", apierror.InvalidRequest("upload too large or unreadable", "file")
		}
		if len(audio) == 0 {
			return nil, "", apierror.InvalidRequest("uploaded recording is empty", "file")
		}
		return audio, header.Filename, nil
	}

	audio, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", apierror.InvalidRequest("request body too large or unreadable", "")
	}
	if len(audio) == 0 {
		return nil, "", apierror.InvalidRequest("request body is empty", "")
	}
	return audio, "", nil
}
