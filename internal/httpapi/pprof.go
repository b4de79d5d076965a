package httpapi

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
)

// NewPprofRouter serves the runtime profiles under /debug/pprof. It is meant
// for a separate, internal-only port.
func NewPprofRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	pprof.Register(r)
	return r
}
