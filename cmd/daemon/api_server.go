package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	netservice "github.com/devgianlu/go-netservice"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const timeout = 10 * time.Second

type ApiServer struct {
	allowOrigin string
	certFile    string
	keyFile     string

	close    atomic.Bool
	listener net.Listener
	server   *http.Server

	requests chan ApiRequest

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

var (
	ErrBadRequest       = errors.New("bad request")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

type ApiRequestType string

const (
	ApiRequestTypeStatus     ApiRequestType = "status"
	ApiRequestTypeRegister   ApiRequestType = "register"
	ApiRequestTypeUnregister ApiRequestType = "unregister"
)

type ApiEventType string

const (
	ApiEventTypeRegistered   ApiEventType = "registered"
	ApiEventTypeUnregistered ApiEventType = "unregistered"
)

type ApiRequest struct {
	Type ApiRequestType
	Data any

	resp chan apiResponse
}

func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type ApiRequestDataRegister struct {
	TimeoutMs int `json:"timeout_ms"`
}

type apiResponse struct {
	data any
	err  error
}

type ApiResponseStatus struct {
	Backend    string            `json:"backend"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Domain     string            `json:"domain"`
	Port       int               `json:"port"`
	Txt        map[string]string `json:"txt"`
	State      string            `json:"state"`
	Registered bool              `json:"registered"`
}

type ApiResponseError struct {
	Error       string            `json:"error"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}

type ApiEvent struct {
	Type ApiEventType `json:"type"`
	Data any          `json:"data"`
}

type ApiEventDataRegistration struct {
	Name string `json:"name"`
}

func NewApiServer(address string, port int, allowOrigin string, certFile string, keyFile string) (_ *ApiServer, err error) {
	s := newApiServer(allowOrigin, certFile, keyFile)

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())
	return s, nil
}

func newApiServer(allowOrigin string, certFile string, keyFile string) *ApiServer {
	s := &ApiServer{allowOrigin: allowOrigin, certFile: certFile, keyFile: keyFile}
	s.requests = make(chan ApiRequest)
	s.server = &http.Server{Handler: s.handler(), ReadHeaderTimeout: timeout}
	return s
}

func writeJson(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *ApiServer) handleRequest(req ApiRequest, w http.ResponseWriter, r *http.Request) {
	req.resp = make(chan apiResponse, 1)

	select {
	case s.requests <- req:
	case <-r.Context().Done():
		return
	}

	var resp apiResponse
	select {
	case resp = <-req.resp:
	case <-r.Context().Done():
		return
	}

	if resp.err != nil {
		var rejected *netservice.RejectedError
		switch {
		case errors.As(resp.err, &rejected):
			writeJson(w, http.StatusConflict, ApiResponseError{Error: resp.err.Error(), Diagnostics: rejected.Diagnostics})
			return
		case errors.Is(resp.err, netservice.ErrRegistrationTimeout):
			writeJson(w, http.StatusGatewayTimeout, ApiResponseError{Error: resp.err.Error()})
			return
		case errors.Is(resp.err, netservice.ErrInvalidDescriptor), errors.Is(resp.err, ErrBadRequest):
			writeJson(w, http.StatusBadRequest, ApiResponseError{Error: resp.err.Error()})
			return
		case errors.Is(resp.err, netservice.ErrClosed):
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		case errors.Is(resp.err, ErrMethodNotAllowed):
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		default:
			log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	if resp.data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJson(w, http.StatusOK, resp.data)
}

func (s *ApiServer) removeClient(c *websocket.Conn) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	for i, cc := range s.clients {
		if cc == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
}

func (s *ApiServer) handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeStatus}, w, r)
	})
	m.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataRegister
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
				writeJson(w, http.StatusBadRequest, ApiResponseError{Error: err.Error()})
				return
			}
		}

		if data.TimeoutMs < 0 {
			writeJson(w, http.StatusBadRequest, ApiResponseError{Error: "negative timeout"})
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeRegister, Data: data}, w, r)
	})
	m.HandleFunc("/unregister", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeUnregister}, w, r)
	})
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(s.allowOrigin) > 0 {
			allow := s.allowOrigin
			allow = strings.TrimPrefix(allow, "http://")
			allow = strings.TrimPrefix(allow, "https://")
			allow = strings.TrimSuffix(allow, "/")
			opts.OriginPatterns = []string{allow}
		}

		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			log.WithError(err).Error("failed accepting websocket connection")
			return
		}

		// add the client to the list
		s.clientsLock.Lock()
		s.clients = append(s.clients, c)
		s.clientsLock.Unlock()

		log.Debugf("new websocket client")

		for {
			_, _, err := c.Read(context.Background())
			if s.close.Load() {
				return
			} else if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					log.WithError(err).Error("websocket connection errored")
				}

				s.removeClient(c)
				return
			}
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	return c.Handler(m)
}

// Serve blocks serving the API until Close is called.
func (s *ApiServer) Serve() error {
	var err error
	if len(s.certFile) > 0 && len(s.keyFile) > 0 {
		err = s.server.ServeTLS(s.listener, s.certFile, s.keyFile)
	} else {
		err = s.server.Serve(s.listener)
	}

	if s.close.Load() || errors.Is(err, http.ErrServerClosed) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed serving api: %w", err)
	}

	return nil
}

func (s *ApiServer) Emit(ev *ApiEvent) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	log.Tracef("emitting websocket event: %s", ev.Type)

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, ev)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			log.WithError(err).Error("failed communicating with websocket client")
		}
	}
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() error {
	s.close.Store(true)

	// close all websocket clients
	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed shutting down api server: %w", err)
	}

	return nil
}
