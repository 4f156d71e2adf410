package merkle

import (
	"fmt"
	"testing"
)

// benchSizes spans a small cohort up to the largest course list we serve.
var benchSizes = []int{16, 1000, 100000}

var benchOrders = []LeafOrder{LeafOrderSorted, LeafOrderInput}

func BenchmarkBuild(b *testing.B) {
	for _, order := range benchOrders {
		for _, n := range benchSizes {
			inputs := createTestInputs(n)
			b.Run(fmt.Sprintf("%s/%d", order, n), func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if _, err := BuildMerkleTree(inputs, WithLeafOrder(order)); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

// BenchmarkProveByValue measures the path a claim request takes: locate the
// claimant among the leaves, then collect siblings.
func BenchmarkProveByValue(b *testing.B) {
	for _, n := range benchSizes {
		inputs := createTestInputs(n)
		tree, err := BuildMerkleTree(inputs)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(fmt.Sprint(n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := tree.GenerateProofForInput(inputs[i%n], nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkVerify(b *testing.B) {
	tree, err := BuildMerkleTree(createTestInputs(benchSizes[len(benchSizes)-1]))
	if err != nil {
		b.Fatal(err)
	}
	proof, err := tree.GenerateProof(7)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !proof.Verify(tree.Root) {
			b.Fatal("proof rejected")
		}
	}
}
