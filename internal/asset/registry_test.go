package asset

import "testing"

func TestNormalizeTicker(t *testing.T) {
	cases := map[string]string{
		"btc":      "BTCUSDT",
		"BTCUSDT":  "BTCUSDT",
		" ethusdt": "ETHUSDT",
		"sol ":     "SOLUSDT",
	}
	for in, want := range cases {
		if got := NormalizeTicker(in); got != want {
			t.Fatalf("NormalizeTicker(%q) 应为 %q, 实际=%q", in, want, got)
		}
	}
}

func TestNewRegistryDedupAndOrder(t *testing.T) {
	reg, err := NewRegistry([]Asset{
		{Ticker: "eth", Tier: 2},
		{Ticker: "btc", Tier: 1},
		{Ticker: "BTCUSDT", Tier: 1}, // 与 btc 归一化后重复
		{Ticker: "doge"},             // tier 省略
	})
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("去重后应剩 3 个标的, 实际=%d", len(list))
	}
	if list[0].Ticker != "BTCUSDT" || list[1].Ticker != "ETHUSDT" {
		t.Fatalf("应按 tier 再按 ticker 排序, 实际=%v", list)
	}
	if list[2].Tier != 4 {
		t.Fatalf("缺省 tier 应为 4, 实际=%d", list[2].Tier)
	}
}

func TestListByTier(t *testing.T) {
	reg, err := NewRegistry([]Asset{
		{Ticker: "btc", Tier: 1},
		{Ticker: "eth", Tier: 2},
		{Ticker: "doge", Tier: 4},
	})
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	if got := reg.ListByTier(2); len(got) != 2 {
		t.Fatalf("tier<=2 应有 2 个标的, 实际=%d", len(got))
	}
	if got := reg.ListByTier(0); len(got) != 3 {
		t.Fatalf("tier 过滤为 0 应返回全部, 实际=%d", len(got))
	}
	if _, ok := reg.Get("BTCUSDT"); !ok {
		t.Fatalf("应能按 id 查到 BTCUSDT")
	}
}
