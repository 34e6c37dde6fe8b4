package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// dialProxy 显式配置优先；未配置时走 HTTPS_PROXY/NO_PROXY 等环境变量
func dialProxy(configured string, log *logrus.Entry) func(*http.Request) (*url.URL, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return http.ProxyFromEnvironment
	}
	u, err := url.Parse(configured)
	if err != nil || u.Host == "" {
		log.Warnf("解析代理 URL 失败: %v，改用环境变量代理", err)
		return http.ProxyFromEnvironment
	}
	log.Infof("使用代理连接 socket.io: %s", redactURL(u))
	return http.ProxyURL(u)
}

// redactURL 日志里隐藏代理口令
func redactURL(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	c := *u
	c.User = url.User(u.User.Username())
	return c.String()
}
