package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

var validate = validatorv10.New()

// bindAndValidate binds the JSON body into out and runs the validate
// tags. On failure it writes a 400 and returns false so the handler
// can short-circuit.
func bindAndValidate(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return false
	}
	if err := validate.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": validationErrorsToMap(err)})
		return false
	}
	return true
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	ve, ok := err.(validatorv10.ValidationErrors)
	if !ok {
		out["error"] = err.Error()
		return out
	}
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
