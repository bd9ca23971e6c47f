package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/domain"
)

func TestValidateProperties(t *testing.T) {
	// 完整的矩形属性应通过校验
	err := domain.ValidateProperties(domain.KindRectangle, domain.Properties{
		"x": 10.0, "y": 20.0, "width": 100.0, "height": 50.0, "fill": "#ff0000",
	})
	assert.NoError(t, err)

	// 缺少必需 key 应失败
	err = domain.ValidateProperties(domain.KindRectangle, domain.Properties{
		"x": 10.0, "y": 20.0, "width": 100.0,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "height")

	// 未知类型应失败
	err = domain.ValidateProperties(domain.ObjectKind("triangle"), domain.Properties{"x": 1.0})
	assert.Error(t, err)

	// 几何属性必须是数值
	err = domain.ValidateProperties(domain.KindCircle, domain.Properties{
		"x": 1.0, "y": 2.0, "radius": "big",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radius")
}

func TestValidateChanges(t *testing.T) {
	// 空增量无意义，应被拒绝
	assert.Error(t, domain.ValidateChanges(nil))
	assert.Error(t, domain.ValidateChanges(domain.Properties{}))

	// 部分更新不要求完整 schema
	assert.NoError(t, domain.ValidateChanges(domain.Properties{"fill": "#00ff00"}))

	// 出现的几何属性仍需是数值
	assert.Error(t, domain.ValidateChanges(domain.Properties{"x": "left"}))
}

func TestPropertiesMerge(t *testing.T) {
	base := domain.Properties{"x": 10.0, "y": 10.0, "fill": "#000000"}
	merged := base.Merge(domain.Properties{"x": 20.0})

	// changes 里的 key 覆盖，未提及的保留
	assert.Equal(t, 20.0, merged["x"])
	assert.Equal(t, 10.0, merged["y"])
	assert.Equal(t, "#000000", merged["fill"])

	// 原属性集合不被修改
	assert.Equal(t, 10.0, base["x"])

	// nil 底座上合并也可用
	merged = domain.Properties(nil).Merge(domain.Properties{"y": 30.0})
	assert.Equal(t, 30.0, merged["y"])
}

func TestPresenceColor(t *testing.T) {
	// 同一连接 ID 的颜色必须稳定
	c1 := domain.PresenceColor("conn-abc")
	c2 := domain.PresenceColor("conn-abc")
	assert.Equal(t, c1, c2)
	assert.NotEmpty(t, c1)

	// 颜色应是十六进制格式
	assert.Equal(t, byte('#'), c1[0])
	assert.Len(t, c1, 7)
}
