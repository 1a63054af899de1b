// Package httpx holds the JSON response helpers shared by the relay handlers.
package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

func Created(c *gin.Context, v any) {
	c.JSON(http.StatusCreated, v)
}

// Err writes {"error": msg} and aborts the chain. msg is a string or a list of field errors.
func Err(c *gin.Context, code int, msg any) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
