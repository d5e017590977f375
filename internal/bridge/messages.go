// Package bridge 提供应用与地图渲染端之间的消息协议，消息以 "type" 字段区分
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geoyee/seacache/internal/model"
)

// 消息类型
const (
	TypeGetBounds        = "getBounds"
	TypeBoundsReady      = "boundsReady"
	TypeMapReady         = "mapReady"
	TypeMapError         = "mapError"
	TypeStartDownload    = "startDownload"
	TypeDownloadProgress = "downloadProgress"
	TypeDownloadComplete = "downloadComplete"
	TypeDownloadError    = "downloadError"
	TypeNetworkStatus    = "networkStatus"
	TypeNavigateToRegion = "navigateToRegion"
)

// 渲染端缩放级别范围
const (
	MinRendererZoom = 1
	MaxRendererZoom = 18
)

var ErrMissingType = errors.New("message has no type")

// Message 桥接消息
type Message interface {
	Type() string
}

type GetBounds struct{}

type BoundsReady struct {
	Bounds     model.Bounds    `json:"bounds"`
	Zoom       int             `json:"zoom"`
	ZoomLevels model.ZoomRange `json:"zoomLevels"`
}

type MapReady struct{}

type MapError struct {
	Error string `json:"error"`
}

type StartDownload struct {
	Name string `json:"name,omitempty"`
}

type DownloadProgress struct {
	Progress        int `json:"progress"`
	DownloadedCount int `json:"downloadedCount,omitempty"`
	TotalCount      int `json:"totalCount,omitempty"`
}

// DownloadComplete 下载完成，内联区域字段
type DownloadComplete struct {
	model.OfflineRegion
}

type DownloadError struct {
	Error string `json:"error"`
}

type NetworkStatus struct {
	IsOnline bool `json:"isOnline"`
}

type NavigateToRegion struct {
	Bounds model.Bounds `json:"bounds"`
}

// Unknown 未知类型的消息，Raw 保留原始内容
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (GetBounds) Type() string        { return TypeGetBounds }
func (BoundsReady) Type() string      { return TypeBoundsReady }
func (MapReady) Type() string         { return TypeMapReady }
func (MapError) Type() string         { return TypeMapError }
func (StartDownload) Type() string    { return TypeStartDownload }
func (DownloadProgress) Type() string { return TypeDownloadProgress }
func (DownloadComplete) Type() string { return TypeDownloadComplete }
func (DownloadError) Type() string    { return TypeDownloadError }
func (NetworkStatus) Type() string    { return TypeNetworkStatus }
func (NavigateToRegion) Type() string { return TypeNavigateToRegion }
func (u Unknown) Type() string        { return u.Kind }

// ZoomLevelsAround 当前缩放级别对应的下载范围
func ZoomLevelsAround(z int) model.ZoomRange {
	return model.ZoomRange{
		max(MinRendererZoom, z-1),
		min(MaxRendererZoom, z+1),
	}
}

type envelope struct {
	Type string `json:"type"`
}

// Decode 解析消息，未知类型返回 Unknown
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid bridge message: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	var msg Message
	switch env.Type {
	case TypeGetBounds:
		return GetBounds{}, nil
	case TypeMapReady:
		return MapReady{}, nil
	case TypeBoundsReady:
		msg = &BoundsReady{}
	case TypeMapError:
		msg = &MapError{}
	case TypeStartDownload:
		msg = &StartDownload{}
	case TypeDownloadProgress:
		msg = &DownloadProgress{}
	case TypeDownloadComplete:
		msg = &DownloadComplete{}
	case TypeDownloadError:
		msg = &DownloadError{}
	case TypeNetworkStatus:
		msg = &NetworkStatus{}
	case TypeNavigateToRegion:
		msg = &NavigateToRegion{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Kind: env.Type, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return deref(msg), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *BoundsReady:
		return *m
	case *MapError:
		return *m
	case *StartDownload:
		return *m
	case *DownloadProgress:
		return *m
	case *DownloadComplete:
		return *m
	case *DownloadError:
		return *m
	case *NetworkStatus:
		return *m
	case *NavigateToRegion:
		return *m
	}
	return msg
}

// Encode 序列化消息，type 字段在最前
func Encode(msg Message) ([]byte, error) {
	if u, ok := msg.(Unknown); ok {
		if len(u.Raw) == 0 {
			return nil, fmt.Errorf("unknown message %q has no payload", u.Kind)
		}
		return u.Raw, nil
	}

	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}

	out := make([]byte, 0, len(payload)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(payload) > 2 {
		out = append(out, ',')
		out = append(out, payload[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
