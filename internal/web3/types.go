package web3

import (
	"context"
	"encoding/json"

	xerrors "AgentFleet-Chain/internal/errors"
)

// 链访问相关的错误码。
const (
	// CodeChainUnreachable 表示节点不可达或网络错误。
	CodeChainUnreachable xerrors.Code = "CHAIN_UNREACHABLE"
	// CodeChainReverted 表示合约调用被回滚。
	CodeChainReverted xerrors.Code = "CHAIN_CALL_REVERTED"
	// CodeChainCallInvalid 表示调用请求本身无法构造。
	CodeChainCallInvalid xerrors.Code = "CHAIN_CALL_INVALID"
)

func init() {
	xerrors.Register(CodeChainUnreachable, xerrors.Attributes{
		Message:   "chain endpoint unreachable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeChainReverted, xerrors.Attributes{
		Message:   "contract call reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeChainCallInvalid, xerrors.Attributes{
		Message:   "contract call request is invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ChainSnapshot 汇总链的基础元数据。
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// CallRequest 描述一次合约函数调用。
// 参数值来自 JSON 控制通道，由客户端按 ABI 类型做转换。
type CallRequest struct {
	From            string          `json:"from,omitempty"`
	ContractAddress string          `json:"contract_address"`
	ABI             json.RawMessage `json:"abi"`
	Function        string          `json:"function"`
	Args            []any           `json:"args,omitempty"`
	GasLimit        string          `json:"gas_limit,omitempty"`
	MaxPriorityFee  string          `json:"max_priority_fee,omitempty"`
}

// CallResult 描述一次调用的结果。
// 读调用填充 Outputs，写调用填充 TxHash。
type CallResult struct {
	Outputs []any  `json:"outputs,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// Client 定义上层与任意链交互所需的统一接口。
type Client interface {
	// ReadContract 对合约做只读调用（eth_call 语义）。
	ReadContract(ctx context.Context, req CallRequest) (CallResult, error)
	// WriteContract 提交一笔状态变更交易，由节点侧账户签名。
	WriteContract(ctx context.Context, req CallRequest) (CallResult, error)
	// FetchChainSnapshot 获取链 ID 与最新区块高度。
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
