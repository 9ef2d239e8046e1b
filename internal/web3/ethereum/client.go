package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	From   string
	Notes  string
}

// contractCaller mirrors the subset of ethclient used for read calls.
type contractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// rawCaller mirrors the subset of the RPC client used for write calls.
type rawCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	from      string
	rpcClient *gethrpc.Client
	eth       contractCaller
	raw       rawCaller
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainUnreachable, err, "连接以太坊节点失败")
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		from:      strings.TrimSpace(cfg.From),
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		raw:       rpcClient,
	}, nil
}

// newClientWithBackends 供测试注入假后端。
func newClientWithBackends(name string, eth contractCaller, raw rawCaller) *Client {
	return &Client{name: name, eth: eth, raw: raw}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.eth = nil
	c.raw = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, xerrors.New(web3.CodeChainUnreachable, "未初始化的以太坊客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, classify(ctx, err, "获取链 ID 失败")
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, classify(ctx, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ReadContract 执行一次只读合约调用并解码返回值。
func (c *Client) ReadContract(ctx context.Context, req web3.CallRequest) (web3.CallResult, error) {
	if c == nil || c.eth == nil {
		return web3.CallResult{}, xerrors.New(web3.CodeChainUnreachable, "未初始化的以太坊客户端")
	}
	parsedABI, data, err := packCall(req)
	if err != nil {
		return web3.CallResult{}, err
	}

	to := common.HexToAddress(req.ContractAddress)
	msg := gethcore.CallMsg{To: &to, Data: data}
	if from := callerAddress(req.From, c.from); from != "" {
		addr := common.HexToAddress(from)
		msg.From = addr
	}

	output, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return web3.CallResult{}, classify(ctx, err, "合约读调用失败")
	}

	values, err := parsedABI.Unpack(req.Function, output)
	if err != nil {
		return web3.CallResult{}, xerrors.Wrap(web3.CodeChainCallInvalid, err, "解码合约返回值失败")
	}
	return web3.CallResult{Outputs: formatOutputs(values)}, nil
}

// WriteContract 通过节点侧账户提交一笔状态变更交易。
func (c *Client) WriteContract(ctx context.Context, req web3.CallRequest) (web3.CallResult, error) {
	if c == nil || c.raw == nil {
		return web3.CallResult{}, xerrors.New(web3.CodeChainUnreachable, "未初始化的以太坊客户端")
	}
	_, data, err := packCall(req)
	if err != nil {
		return web3.CallResult{}, err
	}

	from := callerAddress(req.From, c.from)
	if from == "" {
		return web3.CallResult{}, xerrors.New(web3.CodeChainCallInvalid, "写调用缺少 from 地址")
	}

	tx := map[string]any{
		"from": from,
		"to":   req.ContractAddress,
		"data": "0x" + hex.EncodeToString(data),
	}
	if req.GasLimit != "" {
		gas, parseErr := parseQuantity(req.GasLimit)
		if parseErr != nil {
			return web3.CallResult{}, xerrors.Wrap(web3.CodeChainCallInvalid, parseErr, "gas 上限非法")
		}
		tx["gas"] = hexutil.EncodeBig(gas)
	}
	if req.MaxPriorityFee != "" {
		fee, parseErr := parseQuantity(req.MaxPriorityFee)
		if parseErr != nil {
			return web3.CallResult{}, xerrors.Wrap(web3.CodeChainCallInvalid, parseErr, "小费上限非法")
		}
		tx["maxPriorityFeePerGas"] = hexutil.EncodeBig(fee)
	}

	var txHash string
	if err := c.raw.CallContext(ctx, &txHash, "eth_sendTransaction", tx); err != nil {
		return web3.CallResult{}, classify(ctx, err, "合约写调用失败")
	}
	return web3.CallResult{TxHash: txHash}, nil
}

// packCall 解析 ABI 并按函数签名编码调用参数。
func packCall(req web3.CallRequest) (abi.ABI, []byte, error) {
	if strings.TrimSpace(req.ContractAddress) == "" {
		return abi.ABI{}, nil, xerrors.New(web3.CodeChainCallInvalid, "合约地址不能为空")
	}
	if strings.TrimSpace(req.Function) == "" {
		return abi.ABI{}, nil, xerrors.New(web3.CodeChainCallInvalid, "函数名不能为空")
	}
	parsedABI, err := abi.JSON(strings.NewReader(string(req.ABI)))
	if err != nil {
		return abi.ABI{}, nil, xerrors.Wrap(web3.CodeChainCallInvalid, err, "解析 ABI 失败")
	}
	method, ok := parsedABI.Methods[req.Function]
	if !ok {
		return abi.ABI{}, nil, xerrors.New(web3.CodeChainCallInvalid, "ABI 中不存在函数: "+req.Function)
	}
	if len(req.Args) != len(method.Inputs) {
		return abi.ABI{}, nil, xerrors.New(web3.CodeChainCallInvalid,
			fmt.Sprintf("函数 %s 需要 %d 个参数，收到 %d 个", req.Function, len(method.Inputs), len(req.Args)))
	}

	args := make([]any, len(req.Args))
	for i, input := range method.Inputs {
		coerced, coerceErr := coerceArg(input.Type, req.Args[i])
		if coerceErr != nil {
			return abi.ABI{}, nil, xerrors.Wrap(web3.CodeChainCallInvalid, coerceErr,
				"参数 "+input.Name+" 转换失败")
		}
		args[i] = coerced
	}

	data, err := parsedABI.Pack(req.Function, args...)
	if err != nil {
		return abi.ABI{}, nil, xerrors.Wrap(web3.CodeChainCallInvalid, err, "编码调用参数失败")
	}
	return parsedABI, data, nil
}

// coerceArg 把 JSON 解码出的值转换成 ABI 编码需要的 Go 类型。
func coerceArg(t abi.Type, value any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("地址参数需要字符串，收到 %T", value)
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("非法的地址: %s", s)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		n, err := toBigInt(value)
		if err != nil {
			return nil, err
		}
		if err := checkIntRange(t, n); err != nil {
			return nil, err
		}
		// abi 包对小宽度整数要求精确的 Go 类型。
		if t.T == abi.UintTy {
			switch t.Size {
			case 8:
				return uint8(n.Uint64()), nil
			case 16:
				return uint16(n.Uint64()), nil
			case 32:
				return uint32(n.Uint64()), nil
			case 64:
				return n.Uint64(), nil
			}
		} else {
			switch t.Size {
			case 8:
				return int8(n.Int64()), nil
			case 16:
				return int16(n.Int64()), nil
			case 32:
				return int32(n.Int64()), nil
			case 64:
				return n.Int64(), nil
			}
		}
		return n, nil
	case abi.BoolTy:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("布尔参数需要 true/false，收到 %T", value)
		}
		return b, nil
	case abi.StringTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("字符串参数收到 %T", value)
		}
		return s, nil
	case abi.BytesTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("bytes 参数需要 0x 前缀的十六进制字符串")
		}
		decoded, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("解析 bytes 参数失败: %w", err)
		}
		return decoded, nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("数组参数需要 JSON 数组，收到 %T", value)
		}
		converted := make([]any, len(items))
		for i, item := range items {
			elem, err := coerceArg(*t.Elem, item)
			if err != nil {
				return nil, err
			}
			converted[i] = elem
		}
		return reifySlice(*t.Elem, converted)
	default:
		return nil, fmt.Errorf("暂不支持的参数类型: %s", t.String())
	}
}

// checkIntRange 校验数值是否落在目标 ABI 整数类型的表示范围内。
// 越界直接报错，绝不静默截断。
func checkIntRange(t abi.Type, n *big.Int) error {
	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return fmt.Errorf("uint%d 参数不能为负数: %s", t.Size, n)
		}
		if n.BitLen() > t.Size {
			return fmt.Errorf("数值 %s 超出 uint%d 的范围", n, t.Size)
		}
		return nil
	}
	// int 类型的取值区间是 [-2^(size-1), 2^(size-1)-1]。
	bound := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	upper := new(big.Int).Sub(bound, big.NewInt(1))
	lower := new(big.Int).Neg(bound)
	if n.Cmp(lower) < 0 || n.Cmp(upper) > 0 {
		return fmt.Errorf("数值 %s 超出 int%d 的范围", n, t.Size)
	}
	return nil
}

// reifySlice 把 []any 收敛为 abi 包要求的具体切片类型。
// 整数元素已由 coerceArg 按位宽转成精确的 Go 类型。
func reifySlice(elem abi.Type, items []any) (any, error) {
	switch elem.T {
	case abi.AddressTy:
		out := make([]common.Address, len(items))
		for i, item := range items {
			out[i] = item.(common.Address)
		}
		return out, nil
	case abi.UintTy:
		switch elem.Size {
		case 8:
			out := make([]uint8, len(items))
			for i, item := range items {
				out[i] = item.(uint8)
			}
			return out, nil
		case 16:
			out := make([]uint16, len(items))
			for i, item := range items {
				out[i] = item.(uint16)
			}
			return out, nil
		case 32:
			out := make([]uint32, len(items))
			for i, item := range items {
				out[i] = item.(uint32)
			}
			return out, nil
		case 64:
			out := make([]uint64, len(items))
			for i, item := range items {
				out[i] = item.(uint64)
			}
			return out, nil
		}
		out := make([]*big.Int, len(items))
		for i, item := range items {
			out[i] = item.(*big.Int)
		}
		return out, nil
	case abi.IntTy:
		switch elem.Size {
		case 8:
			out := make([]int8, len(items))
			for i, item := range items {
				out[i] = item.(int8)
			}
			return out, nil
		case 16:
			out := make([]int16, len(items))
			for i, item := range items {
				out[i] = item.(int16)
			}
			return out, nil
		case 32:
			out := make([]int32, len(items))
			for i, item := range items {
				out[i] = item.(int32)
			}
			return out, nil
		case 64:
			out := make([]int64, len(items))
			for i, item := range items {
				out[i] = item.(int64)
			}
			return out, nil
		}
		out := make([]*big.Int, len(items))
		for i, item := range items {
			out[i] = item.(*big.Int)
		}
		return out, nil
	case abi.StringTy:
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = item.(string)
		}
		return out, nil
	case abi.BoolTy:
		out := make([]bool, len(items))
		for i, item := range items {
			out[i] = item.(bool)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("暂不支持的数组元素类型: %s", elem.String())
	}
}

func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("整数参数不能带小数: %v", v)
		}
		return big.NewInt(int64(v)), nil
	case string:
		return parseQuantity(v)
	case *big.Int:
		return v, nil
	default:
		return nil, fmt.Errorf("无法把 %T 转换为整数", value)
	}
}

// parseQuantity 解析十进制或 0x 前缀十六进制的数量字符串。
func parseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("数量字符串为空")
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("非法的数量: %s", s)
	}
	return n, nil
}

// formatOutputs 把解码结果转换为 JSON 友好的表示。
func formatOutputs(values []any) []any {
	out := make([]any, len(values))
	for i, value := range values {
		out[i] = formatOutput(value)
	}
	return out
}

func formatOutput(value any) any {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case [32]byte:
		return hexutil.Encode(v[:])
	case []*big.Int:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item.String()
		}
		return out
	case []common.Address:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item.Hex()
		}
		return out
	default:
		return v
	}
}

// classify 把底层错误映射到统一错误码。
// 回滚视为业务失败，网络问题视为传输失败，超时单独标记。
func classify(ctx context.Context, err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		return xerrors.Wrap(web3.CodeChainReverted, err, message)
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return xerrors.Wrap(web3.CodeChainReverted, err, message)
	}
	return xerrors.Wrap(web3.CodeChainUnreachable, err, message)
}

func callerAddress(reqFrom, clientFrom string) string {
	if from := strings.TrimSpace(reqFrom); from != "" {
		return from
	}
	return clientFrom
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
