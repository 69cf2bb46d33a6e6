package validator

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// 游戏/主机/应用等标识：小写字母数字开头，可含 . _ -，最长 128
var identRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

var once sync.Once

// Init 向 gin 的校验引擎注册 json tag 名称与自定义规则
func Init() {
	once.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			Register(v)
		}
	})
}

// Register 在指定校验器上注册规则
func Register(v *validator.Validate) {
	// 错误信息显示 json 字段名
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return IsIdent(fl.Field().String())
	})
}

// IsIdent 是否为合法标识
func IsIdent(s string) bool {
	return identRe.MatchString(s)
}
