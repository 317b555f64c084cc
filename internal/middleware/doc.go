// Package middleware 提供 gin 路由使用的中間件。
//
// AuthMiddleware 驗證 JWT 並把 userID、userRole 放進上下文；
// RequestID 為每個請求配發追蹤用的 X-Request-ID；
// Tracing 為每個請求建立 OpenTelemetry server span。
package middleware
