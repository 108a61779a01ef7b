package api

import (
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// objectNameRE is the path-safe name rule shared by upload ids and
// record file stems.
var objectNameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var bindingSetup sync.Once

// registerValidators wires the domain formats into gin's binding
// validator so malformed requests never reach the engine.
func registerValidators() {
	bindingSetup.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("system_id", func(fl validator.FieldLevel) bool {
			return models.ValidSystemID(fl.Field().String())
		})
		_ = v.RegisterValidation("object_name", func(fl validator.FieldLevel) bool {
			return objectNameRE.MatchString(fl.Field().String())
		})
	})
}
