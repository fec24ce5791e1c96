package logging

import (
	"bytes"
	"log"
	"net/http"
	"testing"

	alog "github.com/apex/log"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/rtx"
)

type fakeHandler struct{}

func (s *fakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
}

func TestMakeAccessLogHandler(t *testing.T) {
	buff := &bytes.Buffer{}
	old := log.Writer()
	defer func() {
		log.SetOutput(old)
	}()
	log.SetOutput(buff)
	f := MakeAccessLogHandler(&fakeHandler{})
	log.SetOutput(old)
	srv := http.Server{
		Addr:    ":0",
		Handler: f,
	}
	rtx.Must(httpx.ListenAndServeAsync(&srv), "Could not start server")
	defer srv.Close()
	_, err := http.Get("http://" + srv.Addr + "/")
	rtx.Must(err, "Could not get")
	s, err := buff.ReadString('\n')
	if s == "" {
		t.Error("We should not have had an empty string")
	}
}

func TestSetLevel(t *testing.T) {
	old := Logger.Level
	defer func() {
		Logger.Level = old
	}()
	tests := []struct {
		name    string
		level   string
		want    alog.Level
		wantErr bool
	}{
		{name: "debug", level: "debug", want: alog.DebugLevel},
		{name: "warn", level: "warn", want: alog.WarnLevel},
		{name: "invalid", level: "chatty", want: alog.WarnLevel, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if Logger.Level != tt.want {
				t.Errorf("SetLevel() level = %v, want %v", Logger.Level, tt.want)
			}
		})
	}
}
