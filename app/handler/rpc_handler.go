package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"clawbernetes/app/middleware"
	"clawbernetes/internal/admission"
	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/metrics"
	"clawbernetes/internal/model"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/rpc"
	"clawbernetes/internal/scheduler"
	"clawbernetes/internal/service"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxRequestBytes = 1 << 20

type method func(ctx context.Context, params json.RawMessage) (interface{}, error)

// RPCHandler serves the admin RPC envelope on POST /rpc.
type RPCHandler struct {
	cluster   *service.ClusterService
	admission *admission.Admission
	methods   map[string]method
}

// NewRPCHandler creates a new RPC handler. Requests are admitted with the
// method name as cost class; adm may be nil.
func NewRPCHandler(cluster *service.ClusterService, adm *admission.Admission) *RPCHandler {
	h := &RPCHandler{cluster: cluster, admission: adm}
	h.methods = map[string]method{
		rpc.MethodClusterStatus: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return cluster.Status(ctx), nil
		},
		rpc.MethodNodeList:       call(cluster.ListNodes),
		rpc.MethodNodeGet:        call(cluster.GetNode),
		rpc.MethodNodeDrain:      call(cluster.DrainNode),
		rpc.MethodNodeCordon:     call(cluster.CordonNode),
		rpc.MethodNodeUncordon:   call(cluster.UncordonNode),
		rpc.MethodWorkloadSubmit: call(cluster.SubmitWorkload),
		rpc.MethodWorkloadGet:    call(cluster.GetWorkload),
		rpc.MethodWorkloadList:   call(cluster.ListWorkloads),
		rpc.MethodWorkloadStop:   call(cluster.StopWorkload),
		rpc.MethodWorkloadScale:  call(cluster.ScaleWorkload),
		rpc.MethodWorkloadLogs:   call(cluster.WorkloadLogs),
		rpc.MethodMetricsQuery:   call(cluster.QueryMetrics),
		rpc.MethodLogsSearch:     call(cluster.SearchLogs),
		rpc.MethodAlertCreate:    call(cluster.CreateAlert),
		rpc.MethodAlertList: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return cluster.ListAlerts(ctx), nil
		},
		rpc.MethodAlertSilence: call(cluster.SilenceAlert),
	}
	return h
}

// call adapts a typed service method to the envelope.
func call[P, R any](fn func(context.Context, P) (R, error)) method {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p P
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&p); err != nil {
				return nil, &paramsError{err: err}
			}
		}
		return fn(ctx, p)
	}
}

type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }

// Handle POST /rpc. Protocol-level failures are reported in the envelope
// with HTTP 200; only admission and auth failures use other statuses.
func (h *RPCHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes+1))
	if err != nil || len(body) > maxRequestBytes {
		c.JSON(http.StatusOK, rpc.NewErrorResponse(0, rpc.Errorf(rpc.CodeInvalidRequest, "request body unreadable or too large")))
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, rpc.NewErrorResponse(0, rpc.Errorf(rpc.CodeParseError, "parse error: %v", err)))
		return
	}
	if req.Method == "" {
		c.JSON(http.StatusOK, rpc.NewErrorResponse(req.ID, rpc.Errorf(rpc.CodeInvalidRequest, "method is required")))
		return
	}
	if h.admission != nil {
		if v := h.admission.AdmitRequest(c.Request.Context(), c.ClientIP(), req.Method); !v.Allowed() {
			metrics.RPCRequests.WithLabelValues(req.Method, "rejected").Inc()
			middleware.AbortVerdict(c, v)
			return
		}
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		metrics.RPCRequests.WithLabelValues("unknown", "method_not_found").Inc()
		c.JSON(http.StatusOK, rpc.NewErrorResponse(req.ID, rpc.Errorf(rpc.CodeMethodNotFound, "method %q not found", req.Method)))
		return
	}

	ctx := logger.WithTraceID(c.Request.Context(), fmt.Sprintf("rpc-%s-%d", c.ClientIP(), req.ID))
	result, err := fn(ctx, req.Params)
	if err != nil {
		rpcErr := toRPCError(err, result)
		if rpcErr.Code == rpc.CodeInternal {
			logger.ErrorCtx(ctx, "rpc %s failed: %v", req.Method, err)
		} else {
			logger.DebugCtx(ctx, "rpc %s rejected: %v", req.Method, err)
		}
		metrics.RPCRequests.WithLabelValues(req.Method, "error").Inc()
		c.JSON(http.StatusOK, rpc.NewErrorResponse(req.ID, rpcErr))
		return
	}

	resp, err := rpc.NewResult(req.ID, result)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to encode %s result: %v", req.Method, err)
		c.JSON(http.StatusOK, rpc.NewErrorResponse(req.ID, rpc.Errorf(rpc.CodeInternal, "failed to encode result")))
		return
	}
	metrics.RPCRequests.WithLabelValues(req.Method, "ok").Inc()
	c.JSON(http.StatusOK, resp)
}

// toRPCError maps domain errors onto envelope codes. partial is the result
// the method produced alongside err, if any.
func toRPCError(err error, partial interface{}) *rpc.Error {
	var (
		pe   *paramsError
		verr *model.ValidationError
		serr *scheduler.Error
	)
	switch {
	case errors.As(err, &pe):
		return rpc.Errorf(rpc.CodeInvalidParams, "%v", pe)

	case errors.As(err, &verr):
		return rpc.Errorf(rpc.CodeInvalidParams, "%v", verr).WithData(gin.H{"kind": verr.Kind, "field": verr.Field})

	case errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, dispatcher.ErrInvalidReplicas),
		errors.Is(err, alert.ErrInvalidName),
		errors.Is(err, alert.ErrInvalidCondition):
		return rpc.Errorf(rpc.CodeInvalidParams, "%v", err)

	case errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, workload.ErrNotFound),
		errors.Is(err, alert.ErrNotFound):
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)

	case errors.Is(err, registry.ErrIllegalTransition),
		errors.Is(err, workload.ErrIllegalTransition):
		return rpc.Errorf(rpc.CodeInvalidRequest, "%v", err)

	case errors.As(err, &serr):
		data := gin.H{"reason": serr.Reason}
		if id := workloadIDOf(partial); id != nil {
			data["workload_id"] = id
		}
		return rpc.Errorf(rpc.CodeResourceExhausted, "%v", serr).WithData(data)

	case errors.Is(err, service.ErrUnavailable):
		e := rpc.Errorf(rpc.CodeUnavailable, "%v", err)
		if id := workloadIDOf(partial); id != nil {
			e = e.WithData(gin.H{"workload_id": id})
		}
		return e

	default:
		return rpc.Errorf(rpc.CodeInternal, "%v", err)
	}
}

func workloadIDOf(partial interface{}) *model.WorkloadID {
	if res, ok := partial.(rpc.WorkloadSubmitResult); ok && !res.WorkloadID.IsZero() {
		id := res.WorkloadID
		return &id
	}
	return nil
}
