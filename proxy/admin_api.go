package proxy

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// setupAdminRoutes registers the operator API. Every route requires the
// admin password; with no password configured the whole surface is off.
func (pm *ProxyManager) setupAdminRoutes(e *gin.Engine) {
	admin := e.Group("/admin", pm.adminAuthMiddleware())

	admin.GET("/keys", pm.adminListKeys)
	admin.POST("/keys", pm.adminAddKey)
	admin.POST("/keys/import", pm.adminImportKeys)
	admin.DELETE("/keys", pm.adminClearKeys)
	admin.DELETE("/keys/:id", pm.adminRemoveKey)
	admin.POST("/keys/:id/toggle", pm.adminToggleKey)
	admin.POST("/keys/reset-health", pm.adminResetKeyHealth)
	admin.POST("/keys/check-health", pm.adminCheckKeyHealth)

	admin.GET("/channels", pm.adminListChannels)
	admin.POST("/channels", pm.adminAddChannel)
	admin.DELETE("/channels/:id", pm.adminRemoveChannel)
	admin.POST("/channels/reset-health", pm.adminResetChannelHealth)

	admin.GET("/tokens", pm.adminListTokens)
	admin.POST("/tokens", pm.adminCreateToken)
	admin.DELETE("/tokens/:id", pm.adminRemoveToken)
	admin.POST("/tokens/:id/toggle", pm.adminToggleToken)

	admin.GET("/access", pm.adminGetAccess)
	admin.PUT("/access", pm.adminSetAccess)

	admin.GET("/usage", pm.adminUsage)
	admin.GET("/logs", pm.adminLogs)
}

func (pm *ProxyManager) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if pm.config.AdminPassword == "" {
			pm.sendError(c, http.StatusForbidden, "Admin API is disabled", "permission_error")
			c.Abort()
			return
		}
		supplied := c.GetHeader("X-Admin-Password")
		if supplied == "" {
			supplied = bearerToken(c)
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(pm.config.AdminPassword)) != 1 {
			pm.sendError(c, http.StatusUnauthorized, "Invalid admin password", "auth_error")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (pm *ProxyManager) adminListKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"keys":    pm.keys.AllKeys(),
		"summary": pm.keys.Summary(),
	})
}

func (pm *ProxyManager) adminAddKey(c *gin.Context) {
	var body struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Key == "" {
		pm.sendError(c, http.StatusBadRequest, "Missing required field: key", "invalid_request_error")
		return
	}
	bk, duplicate, err := pm.keys.AddKey(body.Key)
	if err != nil {
		pm.sendError(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	pm.logger.Audit("key.add", c.ClientIP(), "id="+bk.ID+" duplicate="+strconv.FormatBool(duplicate))
	masked := MaskedKey{BackendKey: *bk}
	masked.Key = MaskKey(bk.Key)
	c.JSON(http.StatusOK, gin.H{"key": masked, "duplicate": duplicate})
}

func (pm *ProxyManager) adminImportKeys(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
		pm.sendError(c, http.StatusBadRequest, "Missing required field: text", "invalid_request_error")
		return
	}
	result := pm.keys.BatchImport(body.Text)
	pm.logger.Audit("key.import", c.ClientIP(),
		"added="+strconv.Itoa(len(result.Added))+" duplicates="+strconv.Itoa(len(result.Duplicates)))
	c.JSON(http.StatusOK, result)
}

func (pm *ProxyManager) adminClearKeys(c *gin.Context) {
	pm.keys.ClearAll()
	pm.logger.Audit("key.clear", c.ClientIP(), "")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (pm *ProxyManager) adminRemoveKey(c *gin.Context) {
	id := c.Param("id")
	if !pm.keys.RemoveKey(id) {
		pm.sendError(c, http.StatusNotFound, "Key '"+id+"' not found", "not_found")
		return
	}
	pm.logger.Audit("key.remove", c.ClientIP(), "id="+id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (pm *ProxyManager) adminToggleKey(c *gin.Context) {
	id := c.Param("id")
	k := pm.keys.ToggleKey(id)
	if k == nil {
		pm.sendError(c, http.StatusNotFound, "Key '"+id+"' not found", "not_found")
		return
	}
	pm.logger.Audit("key.toggle", c.ClientIP(), "id="+id+" enabled="+strconv.FormatBool(k.Enabled))
	c.JSON(http.StatusOK, gin.H{"id": k.ID, "enabled": k.Enabled})
}

func (pm *ProxyManager) adminResetKeyHealth(c *gin.Context) {
	pm.keys.ResetHealth()
	pm.logger.Audit("key.reset-health", c.ClientIP(), "")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (pm *ProxyManager) adminCheckKeyHealth(c *gin.Context) {
	pm.keys.CheckAllHealth(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"summary": pm.keys.Summary()})
}

func (pm *ProxyManager) adminListChannels(c *gin.Context) {
	channels := pm.channels.List()
	for i := range channels {
		for j, k := range channels[i].APIKeys {
			channels[i].APIKeys[j] = MaskKey(k)
		}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (pm *ProxyManager) adminAddChannel(c *gin.Context) {
	var ch Channel
	if err := c.ShouldBindJSON(&ch); err != nil {
		pm.sendError(c, http.StatusBadRequest, "Invalid channel body", "invalid_request_error")
		return
	}
	added, err := pm.channels.Add(&ch)
	if err != nil {
		pm.sendError(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	pm.logger.Audit("channel.add", c.ClientIP(), "id="+added.ID+" baseUrl="+added.BaseURL)
	c.JSON(http.StatusOK, gin.H{"channel": added})
}

func (pm *ProxyManager) adminRemoveChannel(c *gin.Context) {
	id := c.Param("id")
	if !pm.channels.Remove(id) {
		pm.sendError(c, http.StatusNotFound, "Channel '"+id+"' not found", "not_found")
		return
	}
	pm.logger.Audit("channel.remove", c.ClientIP(), "id="+id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (pm *ProxyManager) adminResetChannelHealth(c *gin.Context) {
	pm.channels.ResetHealth()
	pm.logger.Audit("channel.reset-health", c.ClientIP(), "")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (pm *ProxyManager) adminListTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": pm.tokens.List()})
}

// adminCreateToken returns the plain token once; listings are masked.
func (pm *ProxyManager) adminCreateToken(c *gin.Context) {
	var opts TokenOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		pm.sendError(c, http.StatusBadRequest, "Invalid token options", "invalid_request_error")
		return
	}
	t := pm.tokens.CreateToken(opts)
	pm.logger.Audit("token.create", c.ClientIP(), "id="+t.ID+" name="+t.Name)
	c.JSON(http.StatusOK, gin.H{"token": t})
}

func (pm *ProxyManager) adminRemoveToken(c *gin.Context) {
	id := c.Param("id")
	if !pm.tokens.RemoveToken(id) {
		pm.sendError(c, http.StatusNotFound, "Token '"+id+"' not found", "not_found")
		return
	}
	pm.logger.Audit("token.remove", c.ClientIP(), "id="+id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (pm *ProxyManager) adminToggleToken(c *gin.Context) {
	id := c.Param("id")
	t := pm.tokens.ToggleToken(id)
	if t == nil {
		pm.sendError(c, http.StatusNotFound, "Token '"+id+"' not found", "not_found")
		return
	}
	pm.logger.Audit("token.toggle", c.ClientIP(), "id="+id+" enabled="+strconv.FormatBool(t.Enabled))
	c.JSON(http.StatusOK, gin.H{"id": t.ID, "enabled": t.Enabled})
}

func (pm *ProxyManager) adminGetAccess(c *gin.Context) {
	c.JSON(http.StatusOK, pm.access.Policy())
}

func (pm *ProxyManager) adminSetAccess(c *gin.Context) {
	var policy AccessPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		pm.sendError(c, http.StatusBadRequest, "Invalid access policy", "invalid_request_error")
		return
	}
	pm.access.SetPolicy(policy)
	pm.logger.Audit("access.set", c.ClientIP(), "mode="+string(policy.Mode))
	c.JSON(http.StatusOK, pm.access.Policy())
}

func (pm *ProxyManager) adminUsage(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 1 {
		days = 7
	}
	c.JSON(http.StatusOK, gin.H{
		"days":    days,
		"summary": pm.tokens.AggregateUsage(days),
	})
}

func (pm *ProxyManager) adminLogs(c *gin.Context) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, pm.logger.GetHistory())
}
