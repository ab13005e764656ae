package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/platform"
	"github.com/developingchet/privacy-record/internal/usage"
)

type addRecordRequest struct {
	AppID          uint32 `json:"appId"`
	PermissionName string `json:"permissionName"`
	SuccessCount   int32  `json:"successCount"`
	FailCount      int32  `json:"failCount"`
}

func (s *Server) handleAddRecord(w http.ResponseWriter, r *http.Request) {
	var req addRecordRequest
	if !read(w, r, &req) {
		return
	}
	err := s.manager.AddPermissionUsedRecord(req.AppID, req.PermissionName, req.SuccessCount, req.FailCount)
	writeResult(w, err, nil)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req usage.Request
	if !read(w, r, &req) {
		return
	}
	type outcome struct {
		res usage.Result
		err error
	}
	done := make(chan outcome, 1)
	s.manager.GetPermissionUsedRecordsAsync(r.Context(), req, func(res usage.Result, err error) {
		done <- outcome{res, err}
	})
	select {
	case o := <-done:
		if o.err != nil {
			writeResult(w, o.err, nil)
			return
		}
		writeResult(w, nil, o.res)
	case <-r.Context().Done():
		writeResult(w, permission.ErrServiceAbnormal, nil)
	}
}

func (s *Server) handleRemoveRecords(w http.ResponseWriter, r *http.Request) {
	appID, ok := appIDParam(w, r)
	if !ok {
		return
	}
	err := s.manager.RemovePermissionUsedRecords(appID, r.URL.Query().Get("deviceId"))
	writeResult(w, err, nil)
}

type usageRequest struct {
	AppID          uint32 `json:"appId"`
	PermissionName string `json:"permissionName"`
	ReleaseURL     string `json:"releaseUrl,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !read(w, r, &req) {
		return
	}
	var release usage.ReleaseFunc
	if req.ReleaseURL != "" {
		release = s.releaseHook(req.ReleaseURL, req.AppID, req.PermissionName)
	}
	writeResult(w, s.manager.StartUsingPermission(req.AppID, req.PermissionName, release), nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !read(w, r, &req) {
		return
	}
	writeResult(w, s.manager.StopUsingPermission(req.AppID, req.PermissionName), nil)
}

func (s *Server) handleAllowed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appID, ok := parseAppID(w, q.Get("appId"))
	if !ok {
		return
	}
	allowed := s.manager.IsAllowedUsingPermission(appID, q.Get("permissionName"))
	writeResult(w, nil, map[string]bool{"allowed": allowed})
}

type registerRequest struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Permissions []string `json:"permissionList"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !read(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeResult(w, permission.ErrParamInvalid, nil)
		return
	}
	id := req.ID
	if id == "" {
		id = req.URL
	}
	sub := NewWebhook(id, req.URL, s.client, s.log)
	if err := s.manager.RegisterActiveStatusCallback(req.Permissions, sub); err != nil {
		writeResult(w, err, nil)
		return
	}
	writeResult(w, nil, map[string]string{"id": id})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeResult(w, permission.ErrParamInvalid, nil)
		return
	}
	writeResult(w, s.manager.UnregisterActiveStatusCallback(id), nil)
}

type appRequest struct {
	BundleName string            `json:"bundleName"`
	DeviceID   string            `json:"deviceId"`
	Status     permission.Status `json:"status"`
}

func (s *Server) handlePutApp(w http.ResponseWriter, r *http.Request) {
	appID, ok := appIDParam(w, r)
	if !ok {
		return
	}
	var req appRequest
	if !read(w, r, &req) {
		return
	}
	if appID == 0 || req.BundleName == "" {
		writeResult(w, permission.ErrParamInvalid, nil)
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = s.cfg.LocalDeviceID
	}
	s.platform.PutApp(platform.App{
		ID:         appID,
		BundleName: req.BundleName,
		DeviceID:   req.DeviceID,
		Status:     req.Status,
	})
	writeResult(w, nil, nil)
}

func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request) {
	appID, ok := appIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Status permission.Status `json:"status"`
	}
	if !read(w, r, &req) {
		return
	}
	writeResult(w, s.platform.SetAppState(appID, req.Status), nil)
}

func (s *Server) handleFloatWindow(w http.ResponseWriter, r *http.Request) {
	appID, ok := appIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Visible bool `json:"visible"`
	}
	if !read(w, r, &req) {
		return
	}
	writeResult(w, s.platform.SetFloatWindow(appID, req.Visible), nil)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	res := permission.Resource(chi.URLParam(r, "resource"))
	if res != permission.ResourceCamera && res != permission.ResourceMicrophone {
		write(w, http.StatusBadRequest, Response{
			Code:    permission.CodeParamInvalid,
			Message: fmt.Sprintf("unknown resource %q", res),
		})
		return
	}
	var req struct {
		Muted bool `json:"muted"`
	}
	if !read(w, r, &req) {
		return
	}
	writeResult(w, s.platform.SetMuted(res, req.Muted), nil)
}
