// Package api 處理 HTTP 請求路由。
//
// 路由分成公開（presence webhook、健康檢查）與需要 JWT 的部分（心跳、房間、辯論、WebSocket）。
// handlers 子套件把請求轉為服務層呼叫，前置條件不符以 409 與結果代碼回應。
package api
