// Package region 管理离线区域记录
package region

import "errors"

var (
	// ErrNameRequired 缺少区域名称
	ErrNameRequired = errors.New("region name is required")
	// ErrBoundsRequired 缺少区域范围
	ErrBoundsRequired = errors.New("region bounds are required")
)
