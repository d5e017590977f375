// Package api 提供本地控制API、瓦片服务和渲染端桥接
package api

import (
	"encoding/json"
	"net/http"
)

// APIResponse 统一响应格式
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondOK(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	respondJSON(w, statusCode, APIResponse{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, APIResponse{Success: false, Message: message})
}
