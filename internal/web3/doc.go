// Package web3 定义链访问的公共抽象。
// 具体链实现位于子目录中，例如 ethereum 子包实现 EVM 兼容链，
// provider 子包负责按配置文件组装多链客户端注册表。
package web3
