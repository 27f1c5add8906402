// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"git.algorun.org/algorun.git/lib/alert"
	"git.algorun.org/algorun.git/lib/taskstore"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the management API: metrics, health check, and task
// control. Every request must carry the management token as
// "Authorization: Bearer {token}".
func (st *Stack) Handler() http.Handler {
	token := st.Config.Management.Token
	if token == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(st.Registry, promhttp.HandlerOpts{
		ErrorLog: st.Logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, map[string]string{"health": "OK"})
	})
	mux.GET("/tasks", st.listTasks)
	mux.POST("/tasks", st.createTask)
	mux.GET("/tasks/:id", st.getTask)
	mux.POST("/tasks/:id/run", st.runTask)
	mux.POST("/tasks/:id/halt", st.haltTask)
	mux.HandlerFunc("GET", "/alerts", func(w http.ResponseWriter, r *http.Request) {
		alerts := st.Alerts.Recent()
		if alerts == nil {
			alerts = []alert.Alert{}
		}
		sendJSON(w, http.StatusOK, alerts)
	})
	return requireToken(token, mux)
}

func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		} else if ah != "Bearer "+token {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}

func sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errNotRunning), errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	sendJSON(w, code, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func taskIDParam(ps httprouter.Params) (int64, error) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		return 0, errBadRequest
	}
	return id, nil
}

func (st *Stack) listTasks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tasks, err := st.Store.Tasks(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, tasks)
}

func (st *Stack) createTask(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var task algorun.PipelineTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		sendError(w, errBadRequest)
		return
	}
	task, err := st.CreateTask(r.Context(), algorun.PipelineTask{
		ID:         task.ID,
		InstanceID: task.InstanceID,
		ModuleName: task.ModuleName,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, task)
}

func (st *Stack) getTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := taskIDParam(ps)
	if err != nil {
		sendError(w, err)
		return
	}
	task, err := st.Store.Task(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

// runTask queues a task with the run mode given in the "mode" query
// parameter (default STANDARD).
func (st *Stack) runTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := taskIDParam(ps)
	if err != nil {
		sendError(w, err)
		return
	}
	task, err := st.Store.Task(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	mode := algorun.RunMode(r.FormValue("mode"))
	switch mode {
	case "":
		mode = algorun.RunStandard
	case algorun.RunStandard, algorun.RunRestartFromBeginning, algorun.RunResumeCurrentStep, algorun.RunResubmit, algorun.RunResumeMonitoring:
	default:
		sendError(w, errBadRequest)
		return
	}
	st.Enqueue(task, mode)
	sendJSON(w, http.StatusAccepted, map[string]interface{}{"TaskID": id, "RunMode": mode})
}

func (st *Stack) haltTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := taskIDParam(ps)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := st.HaltTask(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]interface{}{"TaskID": id})
}
