package api

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"gatecheck/pkg/types"
)

// RegisterValidations installs custom rules on gin's binding validator.
func RegisterValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("checkinmethod", func(fl validator.FieldLevel) bool {
		return types.IsValidMethod(fl.Field().String())
	})
}
